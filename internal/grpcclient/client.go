package grpcclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/palmvein/internal/classifier"
	"github.com/example/palmvein/internal/logging"
)

// PredictMethod is the full gRPC method name served by the model server.
// Request and response are google.protobuf.Struct:
//
//	request:  {"shape": [1, H, W, 1], "pixels": [...]}
//	response: {"probabilities": [...]}
const PredictMethod = "/palmvein.v1.ModelServer/Predict"

// Conn is the part of *grpc.ClientConn the client relies on.
type Conn interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
	GetState() connectivity.State
}

// DialModelServer returns a classifier.Model backed by the remote model server.
func DialModelServer(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*ModelClient, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	cc, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_model_server", "", err)
		logger.Error("failed to dial model server", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewModelClient(cc, logger), cc, nil
}

// ConnectModelServer opens a non-blocking connection that keeps retrying in
// the background. Use it when the model server may start after this process.
func ConnectModelServer(addr string, logger *zap.Logger, opts ...grpc.DialOption) (*ModelClient, *grpc.ClientConn, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	cc, err := grpc.Dial(addr, dialOpts...)
	if err != nil {
		return nil, nil, logging.NewOperationError("grpcclient.connect_model_server", "", err)
	}
	cc.Connect()
	return NewModelClient(cc, logger), cc, nil
}

// ModelClient implements classifier.Model over a gRPC connection.
type ModelClient struct {
	conn   Conn
	logger *zap.Logger
}

// NewModelClient wraps an established connection.
func NewModelClient(cc Conn, logger *zap.Logger) *ModelClient {
	return &ModelClient{conn: cc, logger: logger.Named("model_client")}
}

// Ready reports whether the connection can carry requests.
func (m *ModelClient) Ready() bool {
	if m == nil || m.conn == nil {
		return false
	}
	switch m.conn.GetState() {
	case connectivity.Shutdown, connectivity.TransientFailure:
		return false
	default:
		return true
	}
}

// Predict sends the tensor to the model server and returns its output scores.
func (m *ModelClient) Predict(ctx context.Context, tensor *classifier.Tensor) ([]float32, error) {
	req := encodeTensor(tensor)
	resp := &structpb.Struct{}
	if err := m.conn.Invoke(ctx, PredictMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.predict", "", translate(err))
		m.logger.Error("model server call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	scores, err := decodeScores(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_response", "", err)
	}
	return scores, nil
}

func encodeTensor(tensor *classifier.Tensor) *structpb.Struct {
	shape := make([]*structpb.Value, len(tensor.Shape))
	for i, d := range tensor.Shape {
		shape[i] = structpb.NewNumberValue(float64(d))
	}
	pixels := make([]*structpb.Value, len(tensor.Pixels))
	for i, p := range tensor.Pixels {
		pixels[i] = structpb.NewNumberValue(float64(p))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"shape":  structpb.NewListValue(&structpb.ListValue{Values: shape}),
		"pixels": structpb.NewListValue(&structpb.ListValue{Values: pixels}),
	}}
}

func decodeScores(resp *structpb.Struct) ([]float32, error) {
	field, ok := resp.GetFields()["probabilities"]
	if !ok {
		return nil, errors.New("response has no probabilities")
	}
	list := field.GetListValue()
	if list == nil {
		return nil, errors.New("probabilities is not a list")
	}
	scores := make([]float32, len(list.GetValues()))
	for i, v := range list.GetValues() {
		if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
			return nil, fmt.Errorf("probability %d is not a number", i)
		}
		scores[i] = float32(v.GetNumberValue())
	}
	return scores, nil
}

// translate maps transport status codes onto the errors the classifier understands.
func translate(err error) error {
	switch status.Code(err) {
	case codes.Unavailable:
		return fmt.Errorf("%w: %v", classifier.ErrModelUnavailable, err)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	default:
		return err
	}
}
