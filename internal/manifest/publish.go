package manifest

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/picklr-io/rollout/internal/config"
	"github.com/picklr-io/rollout/internal/ir"
	"github.com/picklr-io/rollout/internal/logging"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher uploads manifests to S3 and announces finished runs on SNS.
type Publisher struct {
	bucket   string
	prefix   string
	topicARN string

	s3Client  s3API
	snsClient snsAPI
}

// NewPublisher returns a publisher for cfg, or nil when cfg names no remote
// destination.
func NewPublisher(ctx context.Context, cfg *config.ManifestConfig) (*Publisher, error) {
	if cfg == nil || (cfg.S3Bucket == "" && cfg.SNSTopicARN == "") {
		return nil, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize manifest publisher: unable to load AWS config: %w", err)
	}

	p := &Publisher{bucket: cfg.S3Bucket, prefix: cfg.S3Prefix, topicARN: cfg.SNSTopicARN}
	if p.bucket != "" {
		p.s3Client = s3.NewFromConfig(awsCfg)
	}
	if p.topicARN != "" {
		p.snsClient = sns.NewFromConfig(awsCfg)
	}
	return p, nil
}

// Key returns the object key of a run manifest.
func (p *Publisher) Key(env, name string) string {
	return path.Join(p.prefix, env, name+".json")
}

// Publish uploads m as <prefix>/<env>/<run id>.json and latest.json, then
// notifies the topic.
func (p *Publisher) Publish(ctx context.Context, m *ir.Manifest) error {
	if p.s3Client != nil {
		content, err := Encode(m)
		if err != nil {
			return err
		}
		for _, name := range []string{m.RunID, "latest"} {
			key := p.Key(m.Environment, name)
			_, err := p.s3Client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:      aws.String(p.bucket),
				Key:         aws.String(key),
				Body:        bytes.NewReader(content),
				ContentType: aws.String("application/json"),
			})
			if err != nil {
				return fmt.Errorf("failed to upload manifest to s3://%s/%s: %w", p.bucket, key, err)
			}
			logging.Debug("uploaded manifest", "bucket", p.bucket, "key", key)
		}
	}

	if p.snsClient != nil {
		outcome := "succeeded"
		if !m.Succeeded() {
			outcome = "failed"
		}
		_, err := p.snsClient.Publish(ctx, &sns.PublishInput{
			TopicArn: aws.String(p.topicARN),
			Subject:  aws.String(fmt.Sprintf("rollout %s %s", m.Environment, outcome)),
			Message:  aws.String(Summary(m)),
			MessageAttributes: map[string]snstypes.MessageAttributeValue{
				"environment": {DataType: aws.String("String"), StringValue: aws.String(m.Environment)},
				"outcome":     {DataType: aws.String("String"), StringValue: aws.String(outcome)},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to publish run notification: %w", err)
		}
	}
	return nil
}
