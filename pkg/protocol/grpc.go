// Copyright 2024 The Megaphone Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package protocol

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName identifies the JSON codec both ends of the sync pipe must force.
const CodecName = "megaphone-json"

// SyncServiceName is the fully qualified gRPC service name of the pipe.
const SyncServiceName = "megaphone.SyncService"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec serializes sync frames as JSON. The pipe is low-volume control
// traffic between our own binaries, so self-describing frames beat generated
// code here.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// SyncServiceServer receives pipe streams from origin nodes.
type SyncServiceServer interface {
	ForwardEvents(SyncService_ForwardEventsServer) error
}

// SyncService_ForwardEventsServer is the server view of one pipe stream.
type SyncService_ForwardEventsServer interface {
	SendAndClose(*SyncReply) error
	Recv() (*SyncRequest, error)
	grpc.ServerStream
}

type syncForwardEventsServer struct {
	grpc.ServerStream
}

func (s *syncForwardEventsServer) SendAndClose(r *SyncReply) error {
	return s.ServerStream.SendMsg(r)
}

func (s *syncForwardEventsServer) Recv() (*SyncRequest, error) {
	req := new(SyncRequest)
	if err := s.ServerStream.RecvMsg(req); err != nil {
		return nil, err
	}
	return req, nil
}

func forwardEventsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(SyncServiceServer).ForwardEvents(&syncForwardEventsServer{stream})
}

// SyncServiceDesc wires SyncServiceServer into a gRPC server. It mirrors the
// shape protoc would generate for a client-streaming method.
var SyncServiceDesc = grpc.ServiceDesc{
	ServiceName: SyncServiceName,
	HandlerType: (*SyncServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ForwardEvents",
			Handler:       forwardEventsHandler,
			ClientStreams: true,
		},
	},
}

// RegisterSyncServiceServer registers srv on s.
func RegisterSyncServiceServer(s grpc.ServiceRegistrar, srv SyncServiceServer) {
	s.RegisterService(&SyncServiceDesc, srv)
}

// SyncServiceClient opens pipe streams towards a target node.
type SyncServiceClient interface {
	ForwardEvents(ctx context.Context, opts ...grpc.CallOption) (SyncService_ForwardEventsClient, error)
}

// SyncService_ForwardEventsClient is the client view of one pipe stream.
type SyncService_ForwardEventsClient interface {
	Send(*SyncRequest) error
	CloseAndRecv() (*SyncReply, error)
	grpc.ClientStream
}

type syncServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewSyncServiceClient returns a client forcing the pipe codec on every call.
func NewSyncServiceClient(cc grpc.ClientConnInterface) SyncServiceClient {
	return &syncServiceClient{cc}
}

func (c *syncServiceClient) ForwardEvents(ctx context.Context, opts ...grpc.CallOption) (SyncService_ForwardEventsClient, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(jsonCodec{})}, opts...)
	stream, err := c.cc.NewStream(ctx, &SyncServiceDesc.Streams[0], "/"+SyncServiceName+"/ForwardEvents", opts...)
	if err != nil {
		return nil, err
	}
	return &syncForwardEventsClient{stream}, nil
}

type syncForwardEventsClient struct {
	grpc.ClientStream
}

func (c *syncForwardEventsClient) Send(r *SyncRequest) error {
	return c.ClientStream.SendMsg(r)
}

func (c *syncForwardEventsClient) CloseAndRecv() (*SyncReply, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	reply := new(SyncReply)
	if err := c.ClientStream.RecvMsg(reply); err != nil {
		return nil, err
	}
	return reply, nil
}
