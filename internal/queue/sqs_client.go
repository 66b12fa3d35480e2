package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsAPI is the slice of SQS the transport uses, reduced to plain structs
// so tests can fake it without the SDK's option plumbing.
type sqsAPI interface {
	SendMessage(ctx context.Context, input *sqsSendInput) (*sqsSendOutput, error)
	ReceiveMessage(ctx context.Context, input *sqsReceiveInput) (*sqsReceiveOutput, error)
	DeleteMessage(ctx context.Context, input *sqsDeleteInput) error
	ChangeMessageVisibility(ctx context.Context, input *sqsChangeVisibilityInput) error
	ApproximateDepth(ctx context.Context, queueURL string) (int64, error)
}

type sqsSendInput struct {
	QueueURL    string
	MessageBody string
	JobKey      string
	MessageID   string
	// DedupID is the FIFO deduplication ID. It must differ for every
	// promotion of the same job or SQS drops the resend.
	DedupID string
}

type sqsSendOutput struct {
	MessageID string
}

type sqsReceiveInput struct {
	QueueURL            string
	MaxNumberOfMessages int32
	WaitTimeSeconds     int32
	VisibilityTimeout   int32
}

type sqsReceiveOutput struct {
	Messages []sqsReceivedMessage
}

type sqsReceivedMessage struct {
	MessageID     string
	ReceiptHandle string
	Body          string
	// ReceiveCount is SQS's ApproximateReceiveCount; above 1 means the
	// previous consumer died before deleting the message.
	ReceiveCount int
}

type sqsDeleteInput struct {
	QueueURL      string
	ReceiptHandle string
}

type sqsChangeVisibilityInput struct {
	QueueURL          string
	ReceiptHandle     string
	VisibilityTimeout int32
}

// awsSQSClient adapts *sqs.Client to sqsAPI.
type awsSQSClient struct {
	client *sqs.Client
}

// newAWSSQSClient loads the default credential chain. endpoint, when set,
// points the client at an emulator such as LocalStack.
func newAWSSQSClient(ctx context.Context, region, endpoint string) (*awsSQSClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &awsSQSClient{client: sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})}, nil
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}

// SendMessage tags the message with its job key and message ID. FIFO queues
// group by message ID and deduplicate by DedupID.
func (c *awsSQSClient) SendMessage(ctx context.Context, input *sqsSendInput) (*sqsSendOutput, error) {
	attrs := make(map[string]types.MessageAttributeValue, 2)
	if input.JobKey != "" {
		attrs["job_key"] = stringAttr(input.JobKey)
	}
	if input.MessageID != "" {
		attrs["message_id"] = stringAttr(input.MessageID)
	}
	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(input.QueueURL),
		MessageBody:       aws.String(input.MessageBody),
		MessageAttributes: attrs,
	}
	if isFIFO(input.QueueURL) {
		in.MessageGroupId = aws.String(input.MessageID)
		in.MessageDeduplicationId = aws.String(input.DedupID)
	}

	out, err := c.client.SendMessage(ctx, in)
	if err != nil {
		return nil, err
	}
	return &sqsSendOutput{MessageID: aws.ToString(out.MessageId)}, nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func (c *awsSQSClient) ReceiveMessage(ctx context.Context, input *sqsReceiveInput) (*sqsReceiveOutput, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(input.QueueURL),
		MaxNumberOfMessages:         input.MaxNumberOfMessages,
		WaitTimeSeconds:             input.WaitTimeSeconds,
		VisibilityTimeout:           input.VisibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, err
	}

	res := &sqsReceiveOutput{Messages: make([]sqsReceivedMessage, 0, len(out.Messages))}
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		res.Messages = append(res.Messages, sqsReceivedMessage{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
			ReceiveCount:  count,
		})
	}
	return res, nil
}

func (c *awsSQSClient) DeleteMessage(ctx context.Context, input *sqsDeleteInput) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(input.QueueURL),
		ReceiptHandle: aws.String(input.ReceiptHandle),
	})
	return err
}

func (c *awsSQSClient) ChangeMessageVisibility(ctx context.Context, input *sqsChangeVisibilityInput) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(input.QueueURL),
		ReceiptHandle:     aws.String(input.ReceiptHandle),
		VisibilityTimeout: input.VisibilityTimeout,
	})
	return err
}

// ApproximateDepth reads ApproximateNumberOfMessages, which counts visible
// messages only.
func (c *awsSQSClient) ApproximateDepth(ctx context.Context, queueURL string) (int64, error) {
	name := types.QueueAttributeNameApproximateNumberOfMessages
	out, err := c.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{name},
	})
	if err != nil {
		return 0, err
	}
	raw, ok := out.Attributes[string(name)]
	if !ok || raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
