package agent

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/rs/cors"

	"github.com/openrendermanagement/octopus/api"
	"github.com/openrendermanagement/octopus/octopus"
	"github.com/openrendermanagement/octopus/octopus/structs"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported
	ErrInvalidMethod = "Invalid method"
)

// allowCORS sets permissive CORS headers for read handlers
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer wraps the agent and exposes the dispatcher over HTTP.
type HTTPServer struct {
	agent    *Agent
	mux      *http.ServeMux
	listener net.Listener
	server   *http.Server
	logger   hclog.Logger
	addr     string
}

// NewHTTPServer binds the listener and registers every handler.
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	bind := fmt.Sprintf("%s:%d", config.Address, config.Port)
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", bind, err)
	}

	mux := http.NewServeMux()
	srv := &HTTPServer{
		agent:    agent,
		mux:      mux,
		listener: ln,
		logger:   agent.logger.Named("http"),
		addr:     ln.Addr().String(),
	}
	srv.registerHandlers()

	httpServer := &http.Server{
		Addr:        srv.addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}
	srv.server = httpServer
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			srv.logger.Error("http server exited", "error", err)
		}
	}()
	return srv, nil
}

// Shutdown closes the listener and stops serving.
func (s *HTTPServer) Shutdown() {
	if s.server != nil {
		_ = s.server.Close()
	}
}

// Addr returns the bound address, useful when the port was 0.
func (s *HTTPServer) Addr() string { return s.addr }

func (s *HTTPServer) registerHandlers() {
	s.mux.HandleFunc("/graphs/", s.wrap(s.GraphsRequest))
	s.mux.Handle("/nodes/", allowCORS.Handler(http.HandlerFunc(s.wrap(s.NodesRequest))))
	s.mux.Handle("/rendernodes/", allowCORS.Handler(http.HandlerFunc(s.wrap(s.RenderNodesRequest))))
	s.mux.Handle("/pools/", allowCORS.Handler(http.HandlerFunc(s.wrap(s.PoolsRequest))))
	s.mux.Handle("/licences/", allowCORS.Handler(http.HandlerFunc(s.wrap(s.LicencesRequest))))
	s.mux.HandleFunc("/commands/", s.wrap(s.CommandsRequest))
}

// HTTPCodedError is an error with an HTTP status code attached.
type HTTPCodedError interface {
	error
	Code() int
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string { return e.s }
func (e *codedError) Code() int     { return e.code }

// CodedError builds an HTTPCodedError.
func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

// wrap turns a typed handler into an http.HandlerFunc: errors map to status
// codes by kind, results are JSON.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", req.URL.Path, "duration", time.Since(start))
		}()
		obj, err := handler(resp, req)
		if err != nil {
			code := errorCode(err)
			resp.WriteHeader(code)
			_, _ = resp.Write([]byte(err.Error()))
			s.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err, "code", code)
			return
		}
		if obj != nil {
			buf, err := json.Marshal(obj)
			if err != nil {
				resp.WriteHeader(http.StatusInternalServerError)
				_, _ = resp.Write([]byte(err.Error()))
				return
			}
			resp.Header().Set("Content-Type", "application/json")
			_, _ = resp.Write(buf)
		}
	}
}

func errorCode(err error) int {
	if coded, ok := err.(HTTPCodedError); ok {
		return coded.Code()
	}
	switch err.(type) {
	case *structs.ValidationError, *structs.DependencyCycleError:
		return http.StatusBadRequest
	}
	if err == structs.ErrUnknownNode {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// GraphsRequest handles POST /graphs/.
func (s *HTTPServer) GraphsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	var sub structs.GraphSubmission
	if err := json.NewDecoder(req.Body).Decode(&sub); err != nil {
		return nil, &structs.ValidationError{Err: fmt.Errorf("malformed submission: %w", err)}
	}
	result, err := s.agent.dispatcher.SubmitGraph(&sub)
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.Header().Set("Location", fmt.Sprintf("/nodes/%d/", result.NodeID))
	resp.WriteHeader(http.StatusCreated)
	_, _ = resp.Write(buf)
	return nil, nil
}

// NodesRequest handles GET /nodes/, GET /nodes/<id>/ and the node control
// PUTs (status, dispatchkey, maxrn), plus DELETE /nodes/<id>/ (archive).
func (s *HTTPServer) NodesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.Trim(strings.TrimPrefix(req.URL.Path, "/nodes/"), "/")
	if path == "" {
		if req.Method != http.MethodGet {
			return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
		}
		return s.listNodes(), nil
	}

	parts := strings.SplitN(path, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, fmt.Sprintf("bad node id %q", parts[0]))
	}

	if len(parts) == 1 {
		switch req.Method {
		case http.MethodGet:
			return s.getNode(id)
		case http.MethodDelete:
			return nil, s.agent.dispatcher.NodeOp(id, octopus.OpArchive)
		default:
			return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
		}
	}

	if req.Method != http.MethodPut {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	var body struct {
		Status      *int     `json:"status"`
		DispatchKey *float64 `json:"dispatchKey"`
		MaxRN       *int     `json:"maxRN"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return nil, &structs.ValidationError{Err: fmt.Errorf("malformed body: %w", err)}
	}
	switch parts[1] {
	case "status":
		if body.Status == nil {
			return nil, &structs.ValidationError{Err: fmt.Errorf("missing status")}
		}
		return nil, s.agent.dispatcher.NodeOp(id, octopus.OpSetStatus(structs.Status(*body.Status)))
	case "dispatchkey":
		if body.DispatchKey == nil {
			return nil, &structs.ValidationError{Err: fmt.Errorf("missing dispatchKey")}
		}
		return nil, s.agent.dispatcher.NodeOp(id, octopus.OpSetDispatchKey(*body.DispatchKey))
	case "maxrn":
		if body.MaxRN == nil {
			return nil, &structs.ValidationError{Err: fmt.Errorf("missing maxRN")}
		}
		return nil, s.agent.dispatcher.NodeOp(id, octopus.OpSetMaxRN(*body.MaxRN))
	default:
		return nil, CodedError(http.StatusNotFound, fmt.Sprintf("unknown node operation %q", parts[1]))
	}
}

// RenderNodesRequest handles fleet reads, registrations and heartbeats.
func (s *HTTPServer) RenderNodesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.Trim(strings.TrimPrefix(req.URL.Path, "/rendernodes/"), "/")
	switch {
	case path == "" && req.Method == http.MethodGet:
		return s.listRenderNodes(), nil
	case path == "" && req.Method == http.MethodPost:
		var body struct {
			Name            string            `json:"name"`
			Host            string            `json:"host"`
			Port            int               `json:"port"`
			CoresNumber     int               `json:"coresNumber"`
			Speed           float64           `json:"speed"`
			RamSize         int               `json:"ramSize"`
			Characteristics map[string]string `json:"characteristics"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			return nil, &structs.ValidationError{Err: fmt.Errorf("malformed body: %w", err)}
		}
		if body.Name == "" || body.Host == "" || body.Port == 0 {
			return nil, &structs.ValidationError{Err: fmt.Errorf("name, host and port are required")}
		}
		rn := &structs.RenderNode{
			Name:            body.Name,
			Host:            body.Host,
			Port:            body.Port,
			CoresNumber:     body.CoresNumber,
			Speed:           body.Speed,
			RamSize:         body.RamSize,
			Characteristics: body.Characteristics,
		}
		return nil, s.agent.dispatcher.RegisterWorker(rn)
	case strings.HasSuffix(path, "/sysinfos") && req.Method == http.MethodPut:
		name := strings.TrimSuffix(path, "/sysinfos")
		if err := s.agent.dispatcher.WorkerHeartbeat(name); err != nil {
			return nil, CodedError(http.StatusNotFound, err.Error())
		}
		return nil, nil
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

// PoolsRequest handles GET /pools/.
func (s *HTTPServer) PoolsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	return s.listPools(), nil
}

// LicencesRequest handles GET /licences/ and PUT /licences/<name>/.
func (s *HTTPServer) LicencesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	name := strings.Trim(strings.TrimPrefix(req.URL.Path, "/licences/"), "/")
	switch {
	case name == "" && req.Method == http.MethodGet:
		var out []*octopus.LicenceInfo
		s.agent.dispatcher.Inspect(func(_ *octopus.DispatchTree, lm *octopus.LicenceManager) {
			out = lm.List()
		})
		return out, nil
	case name != "" && req.Method == http.MethodPut:
		var body struct {
			MaxNumber *int `json:"maxNumber"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			return nil, &structs.ValidationError{Err: fmt.Errorf("malformed body: %w", err)}
		}
		if body.MaxNumber == nil || *body.MaxNumber < 0 {
			return nil, &structs.ValidationError{Err: fmt.Errorf("maxNumber must be >= 0")}
		}
		s.agent.dispatcher.Inspect(func(_ *octopus.DispatchTree, lm *octopus.LicenceManager) {
			lm.Set(name, *body.MaxNumber)
		})
		return nil, nil
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

// CommandsRequest handles the worker callback PUT /commands/<id>/ and the
// user command control.
func (s *HTTPServer) CommandsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPut {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	path := strings.Trim(strings.TrimPrefix(req.URL.Path, "/commands/"), "/")
	id, err := strconv.ParseInt(path, 10, 64)
	if err != nil {
		return nil, CodedError(http.StatusBadRequest, fmt.Sprintf("bad command id %q", path))
	}
	var update structs.CommandUpdate
	if err := json.NewDecoder(req.Body).Decode(&update); err != nil {
		return nil, &structs.ValidationError{Err: fmt.Errorf("malformed body: %w", err)}
	}
	update.CommandID = id
	return nil, s.agent.dispatcher.UpdateCommand(&update)
}

func (s *HTTPServer) listNodes() []*api.NodeInfo {
	var out []*api.NodeInfo
	s.agent.dispatcher.Inspect(func(tree *octopus.DispatchTree, _ *octopus.LicenceManager) {
		for _, child := range tree.Root.Children {
			out = append(out, nodeInfo(child, false))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *HTTPServer) getNode(id int64) (*api.NodeInfo, error) {
	var out *api.NodeInfo
	s.agent.dispatcher.Inspect(func(tree *octopus.DispatchTree, _ *octopus.LicenceManager) {
		if node, ok := tree.Nodes[id]; ok {
			out = nodeInfo(node, true)
		}
	})
	if out == nil {
		return nil, structs.ErrUnknownNode
	}
	return out, nil
}

func nodeInfo(node *structs.Node, detailed bool) *api.NodeInfo {
	info := &api.NodeInfo{
		ID:          node.ID,
		Kind:        node.Kind.String(),
		Name:        node.Name,
		User:        node.User,
		Status:      int(node.Status),
		Completion:  node.Completion,
		DispatchKey: node.DispatchKey,
		MaxRN:       node.MaxRN,
	}
	for _, child := range node.Children {
		info.Children = append(info.Children, child.ID)
	}
	if detailed {
		for _, cmd := range node.Commands() {
			ci := &api.CmdInfo{
				ID:          cmd.ID,
				Description: cmd.Description,
				Status:      int(cmd.Status),
				Completion:  cmd.Completion,
				Attempt:     cmd.Attempt,
				Message:     cmd.Message,
			}
			if cmd.RenderNode != nil {
				ci.RenderNode = cmd.RenderNode.Name
			}
			info.Commands = append(info.Commands, ci)
		}
	}
	return info
}

func (s *HTTPServer) listRenderNodes() []*api.RenderNodeInfo {
	var out []*api.RenderNodeInfo
	now := time.Now()
	s.agent.dispatcher.Inspect(func(tree *octopus.DispatchTree, _ *octopus.LicenceManager) {
		for _, rn := range tree.RenderNodes {
			info := &api.RenderNodeInfo{
				ID:          rn.ID,
				Name:        rn.Name,
				Host:        rn.Host,
				Port:        rn.Port,
				CoresNumber: rn.CoresNumber,
				Speed:       rn.Speed,
				RamSize:     rn.RamSize,
				Idle:        rn.Idle(),
				Reachable:   rn.Reachable(now, s.agent.config.RNTimeout),
			}
			for _, p := range rn.Pools {
				info.Pools = append(info.Pools, p.Name)
			}
			sort.Strings(info.Pools)
			out = append(out, info)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *HTTPServer) listPools() []*api.PoolInfo {
	var out []*api.PoolInfo
	s.agent.dispatcher.Inspect(func(tree *octopus.DispatchTree, _ *octopus.LicenceManager) {
		for _, pool := range tree.Pools {
			info := &api.PoolInfo{ID: pool.ID, Name: pool.Name}
			for _, rn := range pool.RenderNodes {
				info.RenderNodes = append(info.RenderNodes, rn.Name)
			}
			sort.Strings(info.RenderNodes)
			out = append(out, info)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
