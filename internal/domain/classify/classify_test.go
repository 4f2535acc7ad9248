package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/computeguard/internal/engine"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		raw          Raw
		kind         Kind
		catastrophic bool
	}{
		{
			name:         "unreachable executed",
			raw:          Raw{Message: "RuntimeError: unreachable executed"},
			kind:         KindUnknown,
			catastrophic: true,
		},
		{
			name:         "invalid configuration value",
			raw:          Raw{Message: "invalid configuration value"},
			kind:         KindConfig,
			catastrophic: false,
		},
		{
			name:         "out of bounds memory access",
			raw:          Raw{Message: "memory access out of bounds"},
			kind:         KindMemory,
			catastrophic: true,
		},
		{
			name:         "stack exhaustion",
			raw:          Raw{Message: "RangeError: Maximum call stack size exceeded"},
			kind:         KindMemory,
			catastrophic: true,
		},
		{
			name:         "signature in details",
			raw:          Raw{Message: "job failed", Details: "called unwrap on None"},
			kind:         KindUnknown,
			catastrophic: true,
		},
		{
			name:         "division by zero",
			raw:          Raw{Message: "integer division by zero"},
			kind:         KindUnknown,
			catastrophic: true,
		},
		{
			name:         "generic panic",
			raw:          Raw{Message: "PANIC in kernel"},
			kind:         KindUnknown,
			catastrophic: true,
		},
		{
			name:         "caller kind wins over inferred kind",
			raw:          Raw{Kind: KindProcessing, Message: "stack overflow in tokenizer"},
			kind:         KindProcessing,
			catastrophic: true,
		},
		{
			name:         "explicit unknown is catastrophic",
			raw:          Raw{Kind: KindUnknown, Message: "something odd"},
			kind:         KindUnknown,
			catastrophic: true,
		},
		{
			name:         "unmatched text defaults to unknown",
			raw:          Raw{Message: "zzz"},
			kind:         KindUnknown,
			catastrophic: true,
		},
		{
			name:         "threading with generic failure term",
			raw:          Raw{Kind: KindThreading, Message: "spawn failed"},
			kind:         KindThreading,
			catastrophic: true,
		},
		{
			name:         "threading without generic failure term",
			raw:          Raw{Kind: KindThreading, Message: "pool busy"},
			kind:         KindThreading,
			catastrophic: false,
		},
		{
			name:         "inferred threading",
			raw:          Raw{Message: "thread pool saturated"},
			kind:         KindThreading,
			catastrophic: false,
		},
		{
			name:         "inferred memory",
			raw:          Raw{Message: "allocation of 4GiB refused"},
			kind:         KindMemory,
			catastrophic: false,
		},
		{
			name:         "invalid thread count",
			raw:          Raw{Message: "invalid thread count: 0"},
			kind:         KindConfig,
			catastrophic: false,
		},
		{
			name:         "config wording beats failed worker pool",
			raw:          Raw{Message: "invalid configuration value for worker pool: setup failed"},
			kind:         KindConfig,
			catastrophic: false,
		},
		{
			name:         "invalid memory parameter",
			raw:          Raw{Message: "invalid parameter: memory limit must be positive"},
			kind:         KindConfig,
			catastrophic: false,
		},
		{
			name:         "inferred processing",
			raw:          Raw{Message: "matrix is singular"},
			kind:         KindProcessing,
			catastrophic: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.raw)
			require.NotNil(t, got)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.catastrophic, got.Catastrophic)
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	raw := Raw{Message: "unreachable executed"}
	first := Classify(raw)
	second := Classify(raw)
	assert.Equal(t, first, second)
	assert.NotSame(t, first, second)
}

func TestClassifyEmptyMessage(t *testing.T) {
	got := Classify(Raw{})
	assert.Equal(t, "compute engine failure", got.Message)
	assert.Equal(t, KindUnknown, got.Kind)
}

func TestWithSignatures(t *testing.T) {
	base := New()
	extended := base.WithSignatures(
		Signature{Term: "Heap Corrupted", Kind: KindMemory, Catastrophic: true},
		Signature{Term: "quota", Kind: KindConfig},
	)

	got := extended.Classify(Raw{Message: "heap corrupted at 0x10"})
	assert.Equal(t, KindMemory, got.Kind)
	assert.True(t, got.Catastrophic)

	got = extended.Classify(Raw{Message: "quota exceeded"})
	assert.Equal(t, KindConfig, got.Kind)
	assert.False(t, got.Catastrophic)

	// The original classifier is unchanged
	got = base.Classify(Raw{Message: "heap corrupted at 0x10"})
	assert.Equal(t, KindUnknown, got.Kind)
}

func TestClassifyError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, ClassifyError(nil))
	})

	t.Run("already classified", func(t *testing.T) {
		orig := &Error{Kind: KindConfig, Message: "bad"}
		wrapped := fmt.Errorf("call: %w", orig)
		assert.Same(t, orig, ClassifyError(wrapped))
	})

	t.Run("context canceled", func(t *testing.T) {
		got := ClassifyError(fmt.Errorf("invoke: %w", context.Canceled))
		assert.Equal(t, KindProcessing, got.Kind)
		assert.False(t, got.Catastrophic)
		assert.ErrorIs(t, got, context.Canceled)
	})

	t.Run("deadline exceeded", func(t *testing.T) {
		got := ClassifyError(context.DeadlineExceeded)
		assert.Equal(t, KindProcessing, got.Kind)
		assert.False(t, got.CountsAgainstBreaker())
	})

	t.Run("opaque caller input does not count", func(t *testing.T) {
		for _, msg := range []string{
			"invalid thread count: 0",
			"invalid configuration value for worker pool: setup failed",
			"invalid parameter: memory limit must be positive",
		} {
			got := ClassifyError(errors.New(msg))
			assert.Equal(t, KindConfig, got.Kind, msg)
			assert.False(t, got.Catastrophic, msg)
			assert.False(t, got.CountsAgainstBreaker(), msg)
		}
	})

	t.Run("opaque error falls back to table", func(t *testing.T) {
		raw := errors.New("unreachable executed")
		got := ClassifyError(raw)
		assert.Equal(t, KindUnknown, got.Kind)
		assert.True(t, got.Catastrophic)
		assert.ErrorIs(t, got, raw)
	})
}

func TestClassifyErrorEngineCodes(t *testing.T) {
	tests := []struct {
		code         engine.Code
		msg          string
		kind         Kind
		catastrophic bool
	}{
		{engine.CodeInvalidInput, "matrix is not square", KindConfig, false},
		{engine.CodeInvalidInput, "index out of range in request", KindConfig, false},
		{engine.CodeUnsupported, "job type not supported", KindConfig, false},
		{engine.CodeNotLoaded, "engine not loaded", KindConfig, false},
		{engine.CodeProcessing, "matrix is singular", KindProcessing, false},
		{engine.CodeOutOfMemory, "allocation refused", KindMemory, true},
		{engine.CodeThreading, "pool busy", KindThreading, false},
		{engine.CodeThreading, "worker spawn failed", KindThreading, true},
		{engine.CodePanic, "runtime error", KindUnknown, true},
		{engine.CodeUnknown, "weird", KindUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.code.String()+"/"+tt.msg, func(t *testing.T) {
			engErr := engine.Errorf(tt.code, "invoke", "%s", tt.msg)
			got := ClassifyError(fmt.Errorf("job: %w", engErr))
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.catastrophic, got.Catastrophic)

			var target *engine.Error
			assert.True(t, errors.As(got, &target))
		})
	}
}

func TestCountsAgainstBreaker(t *testing.T) {
	assert.False(t, (&Error{Kind: KindConfig}).CountsAgainstBreaker())
	assert.False(t, (&Error{Kind: KindProcessing}).CountsAgainstBreaker())
	assert.True(t, (&Error{Kind: KindProcessing, Catastrophic: true}).CountsAgainstBreaker())
	assert.True(t, (&Error{Kind: KindMemory}).CountsAgainstBreaker())
	assert.True(t, (&Error{Kind: KindThreading}).CountsAgainstBreaker())
	assert.True(t, (&Error{Kind: KindUnknown}).CountsAgainstBreaker())
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "boom", (&Error{Message: "boom"}).Error())
	assert.Equal(t, "boom: detail", (&Error{Message: "boom", Details: "detail"}).Error())
}

func TestSuggestions(t *testing.T) {
	for _, k := range []Kind{KindConfig, KindProcessing, KindMemory, KindThreading, KindUnknown} {
		assert.NotEmpty(t, Suggestions(k), string(k))
		assert.True(t, k.Valid())
	}
	assert.False(t, Kind("bogus").Valid())
	assert.Equal(t, Suggestions(KindUnknown), Suggestions(Kind("bogus")))
}
