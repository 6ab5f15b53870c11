// Package notify delivers user-visible notices such as "failed to fetch
// calendar Work". Notices are informational; delivery failures are logged
// and never stop the caller.
package notify

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	appLog "agenda/internal/log"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelFailure Level = "failure"
)

// Notice is one message for the user.
type Notice struct {
	Level   Level
	Title   string
	Message string
}

func (n Notice) String() string {
	if n.Message == "" {
		return n.Title
	}
	return n.Title + ": " + n.Message
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Log writes notices to the application log.
type Log struct{}

func (Log) Notify(_ context.Context, n Notice) error {
	if n.Level == LevelFailure {
		appLog.Error(n.Title, errors.New(n.Message))
		return nil
	}
	appLog.Info(n.Title, "message", n.Message)
	return nil
}

// Publisher is the subset of the SNS client used here.
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS publishes notices to a topic.
type SNS struct {
	client   Publisher
	topicARN string
}

func NewSNS(client Publisher, topicARN string) *SNS {
	return &SNS{client: client, topicARN: topicARN}
}

// NewSNSFromEnv builds an SNS notifier from the default AWS credential
// chain.
func NewSNSFromEnv(ctx context.Context, topicARN string) (*SNS, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNS(sns.NewFromConfig(cfg), topicARN), nil
}

func (s *SNS) Notify(ctx context.Context, n Notice) error {
	msg := n.String()
	subject := "agenda: " + n.Title
	if len(subject) > 100 {
		subject = subject[:100]
	}
	_, err := s.client.Publish(ctx, &sns.PublishInput{
		Message:  &msg,
		Subject:  &subject,
		TopicArn: &s.topicARN,
	})
	if err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
