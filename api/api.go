// Package api is the client library for the octopus dispatcher: a graph
// builder with decomposition and dependency lowering, a submitter and a
// small control-plane client.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// Client talks to one dispatcher over HTTP.
type Client struct {
	address    string
	httpClient *http.Client
}

// NewClient builds a client for the given address, for example
// "http://puliserver:8004". A trailing slash is tolerated.
func NewClient(address string) *Client {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = 60 * time.Second
	return &Client{
		address:    strings.TrimRight(address, "/"),
		httpClient: httpClient,
	}
}

// SubmissionResult mirrors the dispatcher's 201 response body.
type SubmissionResult struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Location string `json:"-"`
}

// SubmitGraph posts a prepared submission. Anything but a 201 becomes a
// GraphSubmissionError carrying the server's reason.
func (c *Client) SubmitGraph(sub *structs.GraphSubmission) (*SubmissionResult, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Post(c.address+"/graphs/", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, &structs.GraphSubmissionError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &structs.GraphSubmissionError{StatusCode: resp.StatusCode, Reason: err.Error()}
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, &structs.GraphSubmissionError{StatusCode: resp.StatusCode, Reason: strings.TrimSpace(string(data))}
	}
	result := &SubmissionResult{Location: resp.Header.Get("Location")}
	if err := json.Unmarshal(data, result); err != nil {
		return nil, &structs.GraphSubmissionError{StatusCode: resp.StatusCode, Reason: err.Error()}
	}
	return result, nil
}

// NodeInfo is the read model of one dispatch tree node.
type NodeInfo struct {
	ID          int64      `json:"id"`
	Kind        string     `json:"kind"`
	Name        string     `json:"name"`
	User        string     `json:"user"`
	Status      int        `json:"status"`
	Completion  float64    `json:"completion"`
	DispatchKey float64    `json:"dispatchKey"`
	MaxRN       int        `json:"maxRN"`
	Children    []int64    `json:"children,omitempty"`
	Commands    []*CmdInfo `json:"commands,omitempty"`
}

// CmdInfo is the read model of one command.
type CmdInfo struct {
	ID          int64   `json:"id"`
	Description string  `json:"description"`
	Status      int     `json:"status"`
	Completion  float64 `json:"completion"`
	RenderNode  string  `json:"renderNode,omitempty"`
	Attempt     int     `json:"attempt"`
	Message     string  `json:"message,omitempty"`
}

// RenderNodeInfo is the read model of one worker.
type RenderNodeInfo struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CoresNumber int      `json:"coresNumber"`
	Speed       float64  `json:"speed"`
	RamSize     int      `json:"ramSize"`
	Pools       []string `json:"pools"`
	Idle        bool     `json:"idle"`
	Reachable   bool     `json:"reachable"`
}

// PoolInfo is the read model of one pool.
type PoolInfo struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	RenderNodes []string `json:"renderNodes"`
}

// ListNodes fetches the children of the tree root.
func (c *Client) ListNodes() ([]*NodeInfo, error) {
	var out []*NodeInfo
	return out, c.get("/nodes/", &out)
}

// GetNode fetches one node with its commands.
func (c *Client) GetNode(id int64) (*NodeInfo, error) {
	var out NodeInfo
	return &out, c.get(fmt.Sprintf("/nodes/%d/", id), &out)
}

// ListRenderNodes fetches the worker fleet.
func (c *Client) ListRenderNodes() ([]*RenderNodeInfo, error) {
	var out []*RenderNodeInfo
	return out, c.get("/rendernodes/", &out)
}

// ListPools fetches the pools and their membership.
func (c *Client) ListPools() ([]*PoolInfo, error) {
	var out []*PoolInfo
	return out, c.get("/pools/", &out)
}

// ListLicences fetches the licence counters.
func (c *Client) ListLicences() ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	return out, c.get("/licences/", &out)
}

// SetNodeStatus requests PAUSED, CANCELED or READY (restart) on a node.
func (c *Client) SetNodeStatus(id int64, status structs.Status) error {
	return c.put(fmt.Sprintf("/nodes/%d/status/", id), map[string]interface{}{"status": int(status)})
}

// SetNodeDispatchKey reorders a node among its siblings.
func (c *Client) SetNodeDispatchKey(id int64, key float64) error {
	return c.put(fmt.Sprintf("/nodes/%d/dispatchkey/", id), map[string]interface{}{"dispatchKey": key})
}

// SetNodeMaxRN retunes a node's concurrency quota.
func (c *Client) SetNodeMaxRN(id int64, maxRN int) error {
	return c.put(fmt.Sprintf("/nodes/%d/maxrn/", id), map[string]interface{}{"maxRN": maxRN})
}

// SetLicence creates or resizes a licence counter.
func (c *Client) SetLicence(name string, max int) error {
	return c.put(fmt.Sprintf("/licences/%s/", name), map[string]interface{}{"maxNumber": max})
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.address + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) put(path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPut, c.address+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
}
