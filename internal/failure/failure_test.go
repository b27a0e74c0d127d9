package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{KindRenderFailed, KindQRGenerationFailed, KindDeliveryChannelFailed, KindQueueFull, KindTimeout, KindUnknown}
	for _, k := range retryable {
		assert.Truef(t, k.Retryable(), "expected %s to be retryable", k)
	}

	fatal := []Kind{KindValidationFailed, KindDeliveryRejected, KindFallbackFailed, KindRateLimited, KindTokenInvalid, KindTokenExpired}
	for _, k := range fatal {
		assert.Falsef(t, k.Retryable(), "expected %s to be fatal", k)
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := New(KindDeliveryRejected, "whatsapp", errors.New("invalid recipient"))
	wrapped := fmt.Errorf("adapter: %w", base)

	assert.Equal(t, KindDeliveryRejected, KindOf(wrapped))
	assert.False(t, Retryable(wrapped))
	assert.Contains(t, wrapped.Error(), "invalid recipient")
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.True(t, Retryable(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.False(t, Retryable(nil))
}

func TestRetryableContextCanceled(t *testing.T) {
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(fmt.Errorf("send: %w", context.Canceled)))
}

func TestIsMatchesNestedKinds(t *testing.T) {
	inner := New(KindTimeout, "scheduler", nil)
	outer := New(KindRenderFailed, "render", inner)

	assert.True(t, Is(outer, KindRenderFailed))
	assert.True(t, Is(outer, KindTimeout))
	assert.False(t, Is(outer, KindQueueFull))
	assert.True(t, errors.Is(outer, New(KindRenderFailed, "", nil)))
}

func TestTagKeepsExistingClassification(t *testing.T) {
	classified := New(KindDeliveryRejected, "send", errors.New("bad number"))
	assert.Same(t, classified, Tag(KindDeliveryChannelFailed, "send", classified))

	tagged := Tag(KindDeliveryChannelFailed, "send", errors.New("reset"))
	assert.Equal(t, KindDeliveryChannelFailed, KindOf(tagged))
	assert.NoError(t, Tag(KindRenderFailed, "render", nil))
}
