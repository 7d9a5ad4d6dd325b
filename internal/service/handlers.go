package service

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

// Message is the request and response type of every procedure.
type Message = structpb.Struct

type unaryFunc func(context.Context, *connect.Request[Message]) (*connect.Response[Message], error)

func unaryHandlers(procs map[string]unaryFunc, opts []connect.HandlerOption) *http.ServeMux {
	mux := http.NewServeMux()
	for procedure, fn := range procs {
		mux.Handle(procedure, connect.NewUnaryHandler[Message, Message](procedure, fn, opts...))
	}
	return mux
}

// NewLedgerServiceHandler builds an HTTP handler for LedgerService. It
// returns the path to mount it on.
func NewLedgerServiceHandler(svc *LedgerService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := unaryHandlers(map[string]unaryFunc{
		LedgerServiceCreatePersonProcedure:      svc.CreatePerson,
		LedgerServiceUpdatePersonProcedure:      svc.UpdatePerson,
		LedgerServiceDeletePersonProcedure:      svc.DeletePerson,
		LedgerServiceCreateTransactionProcedure: svc.CreateTransaction,
		LedgerServiceUpdateTransactionProcedure: svc.UpdateTransaction,
		LedgerServiceDeleteTransactionProcedure: svc.DeleteTransaction,
		LedgerServiceGetViewProcedure:           svc.GetView,
		LedgerServiceGetReportProcedure:         svc.GetReport,
		LedgerServiceRefreshProcedure:           svc.Refresh,
	}, opts)
	mux.Handle(LedgerServiceWatchViewProcedure, connect.NewServerStreamHandler[Message, Message](
		LedgerServiceWatchViewProcedure, svc.WatchView, opts...,
	))
	return "/" + LedgerServiceName + "/", mux
}

// NewAuthServiceHandler builds an HTTP handler for AuthService. It returns
// the path to mount it on.
func NewAuthServiceHandler(svc *AuthService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := unaryHandlers(map[string]unaryFunc{
		AuthServiceRegisterProcedure:       svc.Register,
		AuthServiceLoginProcedure:          svc.Login,
		AuthServiceLogoutProcedure:         svc.Logout,
		AuthServiceGetCurrentUserProcedure: svc.GetCurrentUser,
	}, opts)
	return "/" + AuthServiceName + "/", mux
}

// Client calls the procedures of both services.
type Client struct {
	httpClient connect.HTTPClient
	baseURL    string
	opts       []connect.ClientOption
}

// NewClient creates a client for the server at baseURL.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		opts:       opts,
	}
}

// Call invokes a unary procedure. fields may be nil.
func (c *Client) Call(ctx context.Context, procedure, token string, fields map[string]any) (*Message, error) {
	req, err := c.request(token, fields)
	if err != nil {
		return nil, err
	}
	client := connect.NewClient[Message, Message](c.httpClient, c.baseURL+procedure, c.opts...)
	resp, err := client.CallUnary(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// WatchView opens the WatchView stream.
func (c *Client) WatchView(ctx context.Context, token string) (*connect.ServerStreamForClient[Message], error) {
	req, err := c.request(token, nil)
	if err != nil {
		return nil, err
	}
	client := connect.NewClient[Message, Message](c.httpClient, c.baseURL+LedgerServiceWatchViewProcedure, c.opts...)
	return client.CallServerStream(ctx, req)
}

func (c *Client) request(token string, fields map[string]any) (*connect.Request[Message], error) {
	if fields == nil {
		fields = map[string]any{}
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	req := connect.NewRequest(msg)
	if token != "" {
		req.Header().Set("Authorization", "Bearer "+token)
	}
	return req, nil
}
