package email

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

type recordingSender struct {
	sent []*gomail.Message
	err  error
}

func (s *recordingSender) DialAndSend(m ...*gomail.Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, m...)
	return nil
}

func TestNotifyFailure(t *testing.T) {
	rec := &recordingSender{}
	n := &SMTPNotifier{from: "noreply@layerx.local", dialer: rec, logger: zap.NewNop()}

	err := n.NotifyFailure(context.Background(), "user@example.com", "upload-1", "raw/clip.mp4", "boom")
	require.NoError(t, err)
	require.Len(t, rec.sent, 1)

	msg := rec.sent[0]
	assert.Equal(t, []string{"user@example.com"}, msg.GetHeader("To"))
	assert.Equal(t, []string{"LayerX - Processing Failed [upload-1]"}, msg.GetHeader("Subject"))

	var buf bytes.Buffer
	_, err = msg.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "raw/clip.mp4")
	assert.Contains(t, buf.String(), "boom")
}

func TestNotifyFailureSendError(t *testing.T) {
	n := &SMTPNotifier{from: "noreply@layerx.local", dialer: &recordingSender{err: errors.New("refused")}, logger: zap.NewNop()}
	err := n.NotifyFailure(context.Background(), "user@example.com", "v1", "dataset version v1", "boom")
	assert.ErrorContains(t, err, "refused")
}
