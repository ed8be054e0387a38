package mail

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	logx "mailflush/pkg/logx"
)

// SESConfig configures the SES transport. Empty keys fall back to the
// default AWS credential chain (env, shared config, instance role).
type SESConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ConfigurationSetName string
}

type sesAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends mail through the AWS SES v2 API. The per-message Server is ignored.
type SESSender struct {
	client    sesAPI
	configSet string
	log       logx.Logger
}

// NewSES loads AWS configuration and returns an SES sender.
func NewSES(ctx context.Context, cfg SESConfig, log logx.Logger) (*SESSender, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newSESWithClient(sesv2.NewFromConfig(awsCfg), cfg.ConfigurationSetName, log), nil
}

func newSESWithClient(client sesAPI, configSet string, log logx.Logger) *SESSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SESSender{client: client, configSet: strings.TrimSpace(configSet), log: log}
}

func (s *SESSender) Send(ctx context.Context, m Message) error {
	if s.client == nil {
		return errors.New("ses client not initialized")
	}
	if err := m.Validate(); err != nil {
		return err
	}
	from := netmail.Address{Name: m.FromName, Address: m.FromAddress}
	to := netmail.Address{Name: m.ToName, Address: m.ToAddress}

	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from.String()),
		Destination:      &types.Destination{ToAddresses: []string{to.String()}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(m.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(m.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if s.configSet != "" {
		in.ConfigurationSetName = aws.String(s.configSet)
	}

	out, err := s.client.SendEmail(ctx, in)
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	messageID := ""
	if out != nil && out.MessageId != nil {
		messageID = *out.MessageId
	}
	s.log.Debug("mail sent", logx.Addr("to", m.ToAddress), logx.String("message_id", messageID))
	return nil
}
