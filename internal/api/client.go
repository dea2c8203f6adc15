package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a daemon over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return decode(out, resp)
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.call(ctx, "GetStatus", Empty{}, &resp)
	return resp, err
}

func (c *Client) Login(ctx context.Context, token string) (LoginResponse, error) {
	var resp LoginResponse
	err := c.call(ctx, "Login", LoginRequest{Token: token}, &resp)
	return resp, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, "Logout", Empty{}, nil)
}

func (c *Client) ListConversations(ctx context.Context, currentID string) (ListConversationsResponse, error) {
	var resp ListConversationsResponse
	err := c.call(ctx, "ListConversations", ListConversationsRequest{CurrentConversationID: currentID}, &resp)
	return resp, err
}

func (c *Client) GetConversation(ctx context.Context, id string) (ConversationView, error) {
	var resp ConversationView
	err := c.call(ctx, "GetConversation", ConversationRequest{ConversationID: id}, &resp)
	return resp, err
}

func (c *Client) SetActiveConversation(ctx context.Context, id string) (ConversationView, error) {
	var resp ConversationView
	err := c.call(ctx, "SetActiveConversation", ConversationRequest{ConversationID: id}, &resp)
	return resp, err
}

func (c *Client) StartConversation(ctx context.Context, recipientID string) (string, error) {
	var resp StartConversationResponse
	err := c.call(ctx, "StartConversation", StartConversationRequest{RecipientID: recipientID}, &resp)
	return resp.ConversationID, err
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (SendResponse, error) {
	var resp SendResponse
	err := c.call(ctx, "SendMessage", req, &resp)
	return resp, err
}

func (c *Client) RetryMessage(ctx context.Context, convID, clientID string) (SendResponse, error) {
	var resp SendResponse
	err := c.call(ctx, "RetryMessage", MessageRequest{ConversationID: convID, ClientID: clientID}, &resp)
	return resp, err
}

func (c *Client) DiscardMessage(ctx context.Context, convID, clientID string) error {
	return c.call(ctx, "DiscardMessage", MessageRequest{ConversationID: convID, ClientID: clientID}, nil)
}

func (c *Client) MarkSeen(ctx context.Context, convID string) (int, error) {
	var resp MarkSeenResponse
	err := c.call(ctx, "MarkSeen", ConversationRequest{ConversationID: convID}, &resp)
	return resp.UnreadTotal, err
}

func (c *Client) SetRoute(ctx context.Context, route string) (RouteResponse, error) {
	var resp RouteResponse
	err := c.call(ctx, "SetRoute", RouteRequest{Route: route}, &resp)
	return resp, err
}

var watchDesc = &grpc.StreamDesc{StreamName: "WatchEvents", ServerStreams: true}

// Watch streams events whose kind starts with prefix until ctx is done or
// fn returns an error.
func (c *Client) Watch(ctx context.Context, prefix string, fn func(Event) error) error {
	stream, err := c.conn.NewStream(ctx, watchDesc, "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return err
	}
	in, err := encode(WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt Event
		if err := decode(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
