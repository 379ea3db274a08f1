package manifest

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/rollout/internal/config"
	"github.com/picklr-io/rollout/internal/ir"
)

func sampleManifest(runID string, failed int) *ir.Manifest {
	return &ir.Manifest{
		RunID:       runID,
		Environment: "sepolia",
		SpecSet:     "ikigai",
		StartedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		FinishedAt:  time.Date(2026, 1, 2, 3, 5, 5, 0, time.UTC),
		Entries: []*ir.ManifestEntry{
			{ID: "token", Type: ir.NodeResource, Kind: "IKIGAIToken", Status: ir.StatusDeployed, Handle: "0x01"},
		},
		Summary: ir.ManifestSummary{Total: 1 + failed, Deployed: 1, Failed: failed},
	}
}

func TestWriteLocalAndReadLatest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "manifests")

	_, err := ReadLatest(dir)
	require.ErrorIs(t, err, ErrNoManifest)

	path, err := WriteLocal(dir, sampleManifest("run-1", 0))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-1.json"), path)

	_, err = WriteLocal(dir, sampleManifest("run-2", 1))
	require.NoError(t, err)

	latest, err := ReadLatest(dir)
	require.NoError(t, err)
	assert.Equal(t, "run-2", latest.RunID)
	assert.Equal(t, 1, latest.ExitCode())

	first, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "0x01"}, first.Handles())
	assert.True(t, first.StartedAt.Equal(sampleManifest("", 0).StartedAt))
}

func TestSummary(t *testing.T) {
	assert.Equal(t,
		"run run-1 on sepolia succeeded: 1 deployed (0 reused), 0 applied (0 unchanged), 0 failed, 0 blocked",
		Summary(sampleManifest("run-1", 0)))
	assert.Contains(t, Summary(sampleManifest("run-1", 2)), "failed: ")
}

type fakeS3 struct {
	puts map[string]string
	err  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = string(body)
	return &s3.PutObjectOutput{}, nil
}

type fakeSNS struct {
	published []*sns.PublishInput
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.published = append(f.published, in)
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func TestPublisher_Publish(t *testing.T) {
	fs3 := &fakeS3{puts: map[string]string{}}
	fsns := &fakeSNS{}
	p := &Publisher{bucket: "ikigai", prefix: "manifests", topicARN: "arn:aws:sns:us-east-1:1:deploys", s3Client: fs3, snsClient: fsns}

	require.NoError(t, p.Publish(context.Background(), sampleManifest("run-9", 1)))

	assert.Len(t, fs3.puts, 2)
	assert.Contains(t, fs3.puts["ikigai/manifests/sepolia/run-9.json"], `"runId": "run-9"`)
	assert.Equal(t, fs3.puts["ikigai/manifests/sepolia/run-9.json"], fs3.puts["ikigai/manifests/sepolia/latest.json"])

	require.Len(t, fsns.published, 1)
	msg := fsns.published[0]
	assert.Equal(t, "rollout sepolia failed", aws.ToString(msg.Subject))
	assert.Contains(t, aws.ToString(msg.Message), "run run-9 on sepolia failed")
	assert.Equal(t, "failed", aws.ToString(msg.MessageAttributes["outcome"].StringValue))
}

func TestPublisher_UploadError(t *testing.T) {
	p := &Publisher{bucket: "ikigai", s3Client: &fakeS3{err: errors.New("access denied")}}
	err := p.Publish(context.Background(), sampleManifest("run-9", 0))
	assert.ErrorContains(t, err, "s3://ikigai/sepolia/run-9.json")
}

func TestNewPublisher_NothingConfigured(t *testing.T) {
	p, err := NewPublisher(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = NewPublisher(context.Background(), &config.ManifestConfig{Path: "out"})
	require.NoError(t, err)
	assert.Nil(t, p)
}
