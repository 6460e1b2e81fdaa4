// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/DataDog/logstream/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxRequestBytes bounds a single RPC request body.
const maxRequestBytes = 16 * 1024 * 1024

// JSON-RPC 2.0 protocol codes plus the stable application codes clients
// branch on.
const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603

	codeValidation   = 1001
	codeParseLine    = 1002
	codeBackpressure = 1003
	codeStore        = 1004
	codeShutdown     = 1005
	codeUnknownID    = 1006
)

type rpcRequest struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      jsoniter.RawMessage `json:"id"`
	Method  string              `json:"method"`
	Params  jsoniter.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

func rpcErrorf(code int, format string, args ...interface{}) *rpcError {
	return &rpcError{Code: code, Message: fmt.Sprintf(format, args...)}
}

type rpcResponse struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      jsoniter.RawMessage `json:"id"`
	Result  interface{}         `json:"result,omitempty"`
	Error   *rpcError           `json:"error,omitempty"`
}

// handleRPC decodes one JSON-RPC 2.0 request per POST. Batch envelopes are
// not supported; batching happens inside submit.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.reply(w, nil, nil, rpcErrorf(codeParse, "cannot read request: %v", err))
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.reply(w, nil, nil, rpcErrorf(codeParse, "malformed request: %v", err))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.reply(w, req.ID, nil, rpcErrorf(codeInvalidRequest, "jsonrpc must be 2.0 with a method"))
		return
	}
	if s.draining.Load() {
		s.reply(w, req.ID, nil, rpcErrorf(codeShutdown, "shutting down"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RPCDeadline)
	defer cancel()

	result, rpcErr := s.dispatch(ctx, req.Method, req.Params)
	s.reply(w, req.ID, result, rpcErr)
}

func (s *Server) dispatch(ctx context.Context, method string, params jsoniter.RawMessage) (interface{}, *rpcError) {
	switch method {
	case "submit":
		return s.rpcSubmit(ctx, params)
	case "submit_raw":
		return s.rpcSubmitRaw(ctx, params)
	case "query":
		return s.rpcQuery(ctx, params)
	case "query_alerts":
		return s.rpcQueryAlerts(ctx, params)
	case "stats":
		return s.rpcStats(ctx)
	case "subscribe":
		return s.rpcSubscribe(params)
	case "unsubscribe":
		return s.rpcUnsubscribe(params)
	default:
		return nil, rpcErrorf(codeMethodNotFound, "unknown method %q", method)
	}
}

func (s *Server) reply(w http.ResponseWriter, id jsoniter.RawMessage, result interface{}, rpcErr *rpcError) {
	w.Header().Set("Content-Type", "application/json")
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	data, err := json.Marshal(resp)
	if err != nil {
		log.Errorf("server: cannot serialize response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if _, err := w.Write(data); err != nil {
		log.Debugf("server: response write failed: %v", err)
	}
}
