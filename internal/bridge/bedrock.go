package bridge

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const DefaultModelID = "amazon.nova-sonic-v1:0"

// BedrockClient is the slice of *bedrockruntime.Client the dialer uses.
type BedrockClient interface {
	InvokeModelWithBidirectionalStream(ctx context.Context, params *bedrockruntime.InvokeModelWithBidirectionalStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithBidirectionalStreamOutput, error)
}

// BedrockDialer opens Bedrock bidirectional model streams. The client's
// credential provider is expected to read from the shared credential cache so
// every dial uses the newest credentials.
type BedrockDialer struct {
	client  BedrockClient
	modelID string
}

func NewBedrockDialer(cfg aws.Config, modelID string) *BedrockDialer {
	return NewBedrockDialerWithClient(bedrockruntime.NewFromConfig(cfg), modelID)
}

func NewBedrockDialerWithClient(client BedrockClient, modelID string) *BedrockDialer {
	if modelID == "" {
		modelID = DefaultModelID
	}
	return &BedrockDialer{client: client, modelID: modelID}
}

func (d *BedrockDialer) Dial(ctx context.Context) (Stream, error) {
	out, err := d.client.InvokeModelWithBidirectionalStream(ctx, &bedrockruntime.InvokeModelWithBidirectionalStreamInput{
		ModelId: aws.String(d.modelID),
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", d.modelID, err)
	}
	return &bedrockStream{es: out.GetStream()}, nil
}

type bedrockStream struct {
	es *bedrockruntime.InvokeModelWithBidirectionalStreamEventStream
}

func (s *bedrockStream) Send(ctx context.Context, payload []byte) error {
	return s.es.Send(ctx, &types.InvokeModelWithBidirectionalStreamInputMemberChunk{
		Value: types.BidirectionalInputPayloadPart{Bytes: payload},
	})
}

func (s *bedrockStream) Recv(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-s.es.Events():
			if !ok {
				if err := s.es.Err(); err != nil {
					return nil, err
				}
				return nil, io.EOF
			}
			if chunk, ok := ev.(*types.InvokeModelWithBidirectionalStreamOutputMemberChunk); ok {
				return chunk.Value.Bytes, nil
			}
		}
	}
}

func (s *bedrockStream) Close() error {
	return s.es.Close()
}
