package tracing

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func TestDefaultTracingConfig(t *testing.T) {
	config := DefaultTracingConfig()

	assert.Equal(t, "chatwire", config.ServiceName)
	assert.Equal(t, "dev", config.ServiceVersion)
	assert.Equal(t, "development", config.Environment)
	assert.Equal(t, "http://localhost:4318/v1/traces", config.OTLPEndpoint)
	assert.Equal(t, 0.1, config.SampleRate)
	assert.False(t, config.Enabled)
	assert.True(t, config.UseStdout)
	assert.Equal(t, 5, config.ShutdownTimeoutSec)
}

func TestTracingConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		config      TracingConfig
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config with stdout",
			config: TracingConfig{
				ServiceName: "test-service",
				SampleRate:  0.5,
				Enabled:     true,
				UseStdout:   true,
			},
		},
		{
			name: "valid config with OTLP",
			config: TracingConfig{
				ServiceName:  "test-service",
				SampleRate:   1.0,
				Enabled:      true,
				UseStdout:    false,
				OTLPEndpoint: "http://localhost:4318/v1/traces",
			},
		},
		{
			name: "disabled config skips validation",
			config: TracingConfig{
				Enabled: false,
			},
		},
		{
			name: "missing service name",
			config: TracingConfig{
				SampleRate: 0.5,
				Enabled:    true,
				UseStdout:  true,
			},
			expectError: true,
			errorMsg:    "service_name is required",
		},
		{
			name: "negative sample rate",
			config: TracingConfig{
				ServiceName: "test-service",
				SampleRate:  -0.1,
				Enabled:     true,
				UseStdout:   true,
			},
			expectError: true,
			errorMsg:    "sample_rate must be between 0 and 1",
		},
		{
			name: "sample rate above one",
			config: TracingConfig{
				ServiceName: "test-service",
				SampleRate:  1.5,
				Enabled:     true,
				UseStdout:   true,
			},
			expectError: true,
			errorMsg:    "sample_rate must be between 0 and 1",
		},
		{
			name: "missing OTLP endpoint when not using stdout",
			config: TracingConfig{
				ServiceName: "test-service",
				SampleRate:  0.5,
				Enabled:     true,
				UseStdout:   false,
			},
			expectError: true,
			errorMsg:    "otlp_endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewTracingManager_NilLogger(t *testing.T) {
	tm := NewTracingManager(TracingConfig{Enabled: false}, nil)
	require.NotNil(t, tm)
	require.NotNil(t, tm.logger)

	assert.NoError(t, tm.Initialize(context.Background()))
}

func TestTracingManager_Disabled(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	tm := NewTracingManager(TracingConfig{Enabled: false}, logger)

	ctx := context.Background()
	require.NoError(t, tm.Initialize(ctx))
	assert.Nil(t, tm.tracerProvider)

	// Shutdown without initialization is a no-op
	assert.NoError(t, tm.Shutdown(ctx))
}

func TestTracingManager_InvalidConfigRejected(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	tm := NewTracingManager(TracingConfig{
		Enabled:    true,
		SampleRate: 0.5,
		UseStdout:  true,
		// ServiceName missing
	}, logger)

	err := tm.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tracing config")
}

func TestSpanHelpers_NoopWithoutProvider(t *testing.T) {
	ctx := context.Background()

	// Without an initialized provider these must not panic
	spanCtx, span := StartSpan(ctx, "test.operation", attribute.String("k", "v"))
	assert.NotNil(t, spanCtx)
	assert.NotNil(t, span)
	span.End()

	AddSpanAttributes(ctx, attribute.String("k", "v"))
	SetSpanStatus(ctx, codes.Ok, "fine")
	RecordError(ctx, assert.AnError)
}

func TestWithOtelTracing(t *testing.T) {
	ctx, span := WithOtelTracing(context.Background(), "feed.apply")
	defer span.End()

	assert.NotNil(t, ctx)
	assert.NotNil(t, span)
}

func TestAttributeBuilders_MaskIdentifiers(t *testing.T) {
	chatAttr := AttrChatID("conversation-12345678")
	assert.Equal(t, "chatwire.chat_id", string(chatAttr.Key))
	assert.NotContains(t, chatAttr.Value.AsString(), "conversation-1234")
	assert.Contains(t, chatAttr.Value.AsString(), "5678")

	sessAttr := AttrSessionID("sess-main-window")
	assert.Equal(t, "chatwire.session_id", string(sessAttr.Key))
	assert.NotEqual(t, "sess-main-window", sessAttr.Value.AsString())

	msgAttr := AttrMessageID("msg-abcdef1234567890")
	assert.Equal(t, "chatwire.message_id", string(msgAttr.Key))
	assert.NotEqual(t, "msg-abcdef1234567890", msgAttr.Value.AsString())

	opAttr := AttrFeedOp("insert")
	assert.Equal(t, "insert", opAttr.Value.AsString())
}
