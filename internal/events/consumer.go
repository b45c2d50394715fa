package events

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"geoingest/internal/logging"
	"geoingest/internal/metrics"
	"geoingest/internal/models"
)

const (
	DefaultConsumerConcurrency = 4
	defaultWaitTimeSeconds     = 20
	defaultVisibilityTimeout   = 300
	maxReceiveBatch            = 10
)

// SQSAPI is the subset of *sqs.Client the consumer needs.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type ConsumerOptions struct {
	QueueURL    string
	Concurrency int
	// VisibilityTimeout should exceed the worst-case pipeline duration.
	VisibilityTimeout int32
	WaitTimeSeconds   int32
	ErrorBackoff      time.Duration
}

// Consumer long-polls an SQS queue carrying S3 notifications. A message is
// deleted once it has been handled for good, and left on the queue for
// redelivery when any of its records failed operationally.
type Consumer struct {
	client     SQSAPI
	dispatcher *Dispatcher
	opts       ConsumerOptions
	metrics    *metrics.Metrics
	log        *logging.Logger

	pollCtx context.Context
	cancel  context.CancelFunc
	workCtx context.Context
	wg      sync.WaitGroup
}

func NewConsumer(parent context.Context, client SQSAPI, dispatcher *Dispatcher, opts ConsumerOptions, m *metrics.Metrics) *Consumer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConsumerConcurrency
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = defaultVisibilityTimeout
	}
	if opts.WaitTimeSeconds <= 0 {
		opts.WaitTimeSeconds = defaultWaitTimeSeconds
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}

	pollCtx, cancel := context.WithCancel(parent)
	return &Consumer{
		client:     client,
		dispatcher: dispatcher,
		opts:       opts,
		metrics:    m,
		log:        logging.Default().With("sqs"),
		pollCtx:    pollCtx,
		cancel:     cancel,
		// In-flight messages finish even after polling stops.
		workCtx: context.WithoutCancel(parent),
	}
}

func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.pollLoop()
	}()
	c.log.Infof("consuming %s (concurrency=%d)", c.opts.QueueURL, c.opts.Concurrency)
}

func (c *Consumer) pollLoop() error {
	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	defer func() { _ = g.Wait() }()

	batch := int32(min(c.opts.Concurrency, maxReceiveBatch))
	for {
		select {
		case <-c.pollCtx.Done():
			return c.pollCtx.Err()
		default:
		}

		out, err := c.client.ReceiveMessage(c.pollCtx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.opts.QueueURL),
			MaxNumberOfMessages: batch,
			WaitTimeSeconds:     c.opts.WaitTimeSeconds,
			VisibilityTimeout:   c.opts.VisibilityTimeout,
		})
		if err != nil {
			if c.pollCtx.Err() != nil {
				return c.pollCtx.Err()
			}
			c.log.Warnf("receive from %s: %v", c.opts.QueueURL, err)
			select {
			case <-time.After(c.opts.ErrorBackoff):
			case <-c.pollCtx.Done():
				return c.pollCtx.Err()
			}
			continue
		}

		for _, msg := range out.Messages {
			g.Go(func() error {
				c.handleMessage(c.workCtx, msg)
				return nil
			})
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg types.Message) {
	id := aws.ToString(msg.MessageId)
	if msg.Body == nil {
		c.log.Warnf("message %s: empty body, deleting", id)
		c.delete(ctx, msg, "poison")
		return
	}

	records, err := ParseS3Event([]byte(*msg.Body))
	if err != nil {
		c.log.Warnf("message %s: %v, deleting", id, err)
		c.delete(ctx, msg, "poison")
		return
	}

	resp, retry := c.dispatcher.Dispatch(ctx, records, models.TriggerQueue)
	if retry {
		c.log.Warnf("message %s: %d of %d records failed operationally, leaving for redelivery", id, resp.Failed, len(records))
		c.metrics.IncQueueMessages("retained")
		return
	}
	c.delete(ctx, msg, "deleted")
}

func (c *Consumer) delete(ctx context.Context, msg types.Message, outcome string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.opts.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		c.log.Errorf("delete message %s: %v", aws.ToString(msg.MessageId), err)
		c.metrics.IncQueueMessages("delete_failed")
		return
	}
	c.metrics.IncQueueMessages(outcome)
}

// Shutdown stops polling and waits for in-flight messages or ctx expiry.
func (c *Consumer) Shutdown(ctx context.Context) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
