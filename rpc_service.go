package slotty

import (
	"context"

	"google.golang.org/grpc"
)

const clusterServiceName = "slotty.Cluster"

// unaryMethod builds the grpc description of a unary method served by a ClusterService
func unaryMethod[Req any, Resp any](name string, call func(ClusterService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ClusterService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ClusterService), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(name string) string {
	return "/" + clusterServiceName + "/" + name
}

// clusterServiceDesc describes the rpcs exchanged between nodes
var clusterServiceDesc = grpc.ServiceDesc{
	ServiceName: clusterServiceName,
	HandlerType: (*ClusterService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("AppendEntries", ClusterService.AppendEntries),
		unaryMethod("SendSnapshot", ClusterService.SendSnapshot),
		unaryMethod("RequestVote", ClusterService.RequestVote),
		unaryMethod("RequestCommitIndex", ClusterService.RequestCommitIndex),
		unaryMethod("ExecuteNonQuery", ClusterService.ExecuteNonQuery),
		unaryMethod("Query", ClusterService.Query),
		unaryMethod("PullSnapshot", ClusterService.PullSnapshot),
		unaryMethod("SlotReplicated", ClusterService.SlotReplicated),
		unaryMethod("AddNode", ClusterService.AddNode),
		unaryMethod("RemoveNode", ClusterService.RemoveNode),
		unaryMethod("MetaQuery", ClusterService.MetaQuery),
	},
	Streams: []grpc.StreamDesc{},
}
