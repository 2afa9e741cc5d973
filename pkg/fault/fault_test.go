package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credmesh/credmesh/pkg/fault"
)

func TestErrorFormatting(t *testing.T) {
	assert.Equal(t, "HASH_MISMATCH: commit hash does not match",
		fault.New(fault.KindHashMismatch, "commit hash does not match").Error())
	assert.Equal(t, "INPUT_INVALID: claim.half_life.unit: unknown unit",
		fault.Field("claim.half_life.unit", "unknown unit").Error())
	assert.Equal(t, "TIMEOUT: quorum read after 3 attempts",
		fault.Newf(fault.KindTimeout, "quorum read after %d attempts", 3).Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := fault.Wrap(fault.KindFilesystem, cause, "append envelope")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, fault.KindFilesystem, fault.KindOf(err))
}

func TestKindOfSeesThroughWrapping(t *testing.T) {
	inner := fault.New(fault.KindLedgerTamper, "hash chain broken at seq 4")
	wrapped := fmt.Errorf("replay: %w", inner)

	assert.Equal(t, fault.KindLedgerTamper, fault.KindOf(wrapped))
	assert.True(t, fault.Is(wrapped, fault.KindLedgerTamper))
	assert.False(t, fault.Is(wrapped, fault.KindChainBreak))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, fault.Kind(""), fault.KindOf(errors.New("plain")))
	assert.Equal(t, fault.Kind(""), fault.KindOf(nil))
}

func TestFatalKinds(t *testing.T) {
	for _, kind := range []fault.Kind{
		fault.KindHashMismatch, fault.KindLedgerTamper, fault.KindChainBreak, fault.KindCorrupt,
	} {
		assert.True(t, fault.Fatal(kind), string(kind))
	}
	for _, kind := range []fault.Kind{
		fault.KindInputInvalid, fault.KindTimeout, fault.KindQuorumBroken,
		fault.KindAuthorityDeny, fault.KindTransportUnreachable,
	} {
		assert.False(t, fault.Fatal(kind), string(kind))
	}
}
