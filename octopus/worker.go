package octopus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// WorkerClient is the dispatcher's outbound edge to render nodes: shipping
// a command to a worker and killing one. Calls block on network I/O and
// must never run on the dispatcher goroutine.
type WorkerClient interface {
	Dispatch(rn *structs.RenderNode, d *structs.CommandDispatch) error
	Kill(rn *structs.RenderNode, commandID int64) error
}

// httpWorkerClient talks to the worker daemon's HTTP surface.
type httpWorkerClient struct {
	client *http.Client
}

// NewWorkerClient builds the production worker client with the given call
// timeout.
func NewWorkerClient(timeout time.Duration) WorkerClient {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &httpWorkerClient{client: client}
}

func (w *httpWorkerClient) Dispatch(rn *structs.RenderNode, d *structs.CommandDispatch) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/commands/", rn.Host, rn.Port)
	resp, err := w.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return structs.ErrWorkerUnavailable
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("worker %s refused command %d: %s", rn.Name, d.CommandID, resp.Status)
	}
	return nil
}

func (w *httpWorkerClient) Kill(rn *structs.RenderNode, commandID int64) error {
	url := fmt.Sprintf("http://%s:%d/commands/%d/", rn.Host, rn.Port, commandID)
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return structs.ErrWorkerUnavailable
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("worker %s refused kill of command %d: %s", rn.Name, commandID, resp.Status)
	}
	return nil
}

// drainAndClose lets the transport reuse the connection.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
