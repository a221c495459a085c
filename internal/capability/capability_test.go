package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmoradei/portero-cli/api/schemas"
	"github.com/nmoradei/portero-cli/internal/config"
)

func TestScriptedProviderDefaultsToSuccess(t *testing.T) {
	p := NewScriptedProvider()
	cap, err := p.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	defer cap.Release()

	res, err := cap.Execute(context.Background(), schemas.Action{ID: "act-1", Type: schemas.ActionNavigate}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "act-1", res.ActionID)
	assert.False(t, res.CompletedAt.IsZero())
}

func TestScriptedProviderFailNTimes(t *testing.T) {
	boom := schemas.NewTransientError("act-1", errors.New("portal 503"))
	p := NewScriptedProvider().FailNTimes("act-1", 2, boom)
	cap, err := p.Acquire(context.Background(), "s1")
	require.NoError(t, err)
	defer cap.Release()

	action := schemas.Action{ID: "act-1", Type: schemas.ActionNavigate}

	for i := 0; i < 2; i++ {
		res, err := cap.Execute(context.Background(), action, nil)
		require.Error(t, err, "attempt %d", i)
		assert.False(t, res.Success)
		assert.Equal(t, schemas.ErrKindTransient, schemas.KindOf(err))
	}
	res, err := cap.Execute(context.Background(), action, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestScriptedProviderLastOutcomeRepeats(t *testing.T) {
	boom := errors.New("down for maintenance")
	p := NewScriptedProvider().Script("act-1", Outcome{Err: boom})
	cap, _ := p.Acquire(context.Background(), "s1")
	defer cap.Release()

	action := schemas.Action{ID: "act-1", Type: schemas.ActionClick}
	for i := 0; i < 5; i++ {
		_, err := cap.Execute(context.Background(), action, nil)
		require.ErrorIs(t, err, boom)
	}
}

func TestScriptedCapabilityHonorsContext(t *testing.T) {
	p := NewScriptedProvider().Script("act-1", Outcome{Delay: time.Minute})
	cap, _ := p.Acquire(context.Background(), "s1")
	defer cap.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := cap.Execute(ctx, schemas.Action{ID: "act-1", Type: schemas.ActionWait}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScriptedReleaseCountedOnce(t *testing.T) {
	p := NewScriptedProvider()
	cap, _ := p.Acquire(context.Background(), "s1")
	cap.Release()
	cap.Release()
	cap.Release()
	assert.Equal(t, 1, p.AcquireCalls())
	assert.Equal(t, 1, p.ReleaseCalls())
}

func TestResolveSubstitutesVariables(t *testing.T) {
	vars := map[string]any{"curp": "GOMC900101", "year": 2026}
	assert.Equal(t, "search GOMC900101 in 2026", resolve("search ${curp} in ${year}", vars))
	assert.Equal(t, "no placeholders", resolve("no placeholders", vars))
	assert.Equal(t, "${missing}", resolve("${missing}", vars))
}

func configBrowser(headless, ignoreTLS bool, args []string) config.BrowserConfig {
	return config.BrowserConfig{Headless: headless, IgnoreTLSErrors: ignoreTLS, Args: args}
}

func TestExecAllocatorOptionsReflectConfig(t *testing.T) {
	// Option funcs are opaque, so assert on counts: base options plus
	// headless, TLS bypass and two extra flags.
	base := len(execAllocatorOptions(configBrowser(false, false, nil)))
	full := len(execAllocatorOptions(configBrowser(true, true, []string{"disable-extensions", "mute-audio"})))
	assert.Equal(t, base+4, full)
}
