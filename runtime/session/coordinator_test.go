package session_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/credentials"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/engine"
	"github.com/RobLovegrove/UnifiedMedicalDataFormat-UI/runtime/session"
)

const containerPath = "data/f.umdf"

func newViewing(t *testing.T, eng *fakeEngine) (*session.Coordinator, *credentials.Store) {
	t.Helper()
	creds := credentials.NewStore()
	c := session.NewCoordinator(eng, creds)
	_, err := c.OpenForViewing(containerPath, "s3cret")
	require.NoError(t, err)
	return c, creds
}

func newEditing(t *testing.T, eng *fakeEngine) (*session.Coordinator, *credentials.Store) {
	t.Helper()
	c, creds := newViewing(t, eng)
	require.NoError(t, creds.Set("alice", "s3cret"))
	_, err := c.BeginEdit()
	require.NoError(t, err)
	return c, creds
}

func TestCoordinatorStartsClosed(t *testing.T) {
	c := session.NewCoordinator(&fakeEngine{}, credentials.NewStore())
	status := c.Status()
	assert.Equal(t, session.StateClosed, status.State)
	assert.Empty(t, status.Path)
}

func TestOpenForViewing(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newViewing(t, eng)

	status := c.Status()
	assert.Equal(t, session.StateViewing, status.State)
	assert.Equal(t, containerPath, status.Path)

	require.Len(t, eng.readers, 1)
	assert.Equal(t, "s3cret", eng.readers[0].openSecret)

	_, err := c.FileInfo("")
	assert.NoError(t, err)
}

func TestOpenForViewingRejectsSecondOpen(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newViewing(t, eng)

	_, err := c.OpenForViewing("data/other.umdf", "s3cret")
	assert.ErrorIs(t, err, session.ErrAlreadyOpen)
	assert.Len(t, eng.readers, 1)
}

func TestOpenForViewingFailureLeavesClosed(t *testing.T) {
	attempt := 0
	eng := &fakeEngine{}
	eng.newReader = func() *fakeReader {
		attempt++
		if attempt == 1 {
			return &fakeReader{openErr: engine.ErrDecryptionFailed}
		}
		return &fakeReader{}
	}
	c := session.NewCoordinator(eng, credentials.NewStore())

	_, err := c.OpenForViewing(containerPath, "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrDecryptionFailed)
	assert.Equal(t, session.StateClosed, c.Status().State)

	// The failed open must not block a retry.
	_, err = c.OpenForViewing(containerPath, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, session.StateViewing, c.Status().State)
}

func TestOpenForViewingReleasesHandleOnInfoFailure(t *testing.T) {
	eng := &fakeEngine{newReader: func() *fakeReader {
		return &fakeReader{infoErr: errors.New("header corrupt")}
	}}
	c := session.NewCoordinator(eng, credentials.NewStore())

	_, err := c.OpenForViewing(containerPath, "s3cret")
	require.Error(t, err)
	assert.Equal(t, session.StateClosed, c.Status().State)
	assert.Equal(t, 1, eng.readers[0].closes)
}

func TestBeginEditRequiresCredentials(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newViewing(t, eng)

	_, err := c.BeginEdit()
	assert.ErrorIs(t, err, session.ErrAuthRequired)
	assert.Equal(t, session.StateViewing, c.Status().State)
	assert.Empty(t, eng.writers)
}

func TestBeginEditRequiresOpenContainer(t *testing.T) {
	c := session.NewCoordinator(&fakeEngine{}, credentials.NewStore())
	_, err := c.BeginEdit()
	assert.ErrorIs(t, err, session.ErrNotOpen)
}

func TestBeginEditOpensWriterWithStoredCredentials(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newEditing(t, eng)

	assert.Equal(t, session.StateEditing, c.Status().State)
	require.Len(t, eng.writers, 1)
	assert.Equal(t, containerPath, eng.writers[0].openPath)
	assert.Equal(t, "alice", eng.writers[0].identity)
	assert.Equal(t, "s3cret", eng.writers[0].openSecret)
}

func TestBeginEditTwiceReturnsRunningContext(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newEditing(t, eng)

	encounterID, err := c.CreateEncounter()
	require.NoError(t, err)

	ctx, err := c.BeginEdit()
	require.NoError(t, err)
	assert.Equal(t, containerPath, ctx.Path)
	assert.Equal(t, []uuid.UUID{encounterID}, ctx.Encounters)

	// No second writer was opened.
	assert.Len(t, eng.writers, 1)
	assert.Equal(t, session.StateEditing, c.Status().State)
}

func TestBeginEditWriterFailureStaysViewing(t *testing.T) {
	eng := &fakeEngine{newWriter: func() *fakeWriter {
		return &fakeWriter{openErr: errors.New("another writer holds f.umdf")}
	}}
	c, creds := newViewing(t, eng)
	require.NoError(t, creds.Set("alice", "s3cret"))

	_, err := c.BeginEdit()
	require.Error(t, err)

	var engErr *session.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, "another writer holds f.umdf", engErr.Message())

	assert.Equal(t, session.StateViewing, c.Status().State)
	_, err = c.ModuleData(uuid.New(), "")
	assert.NoError(t, err, "standing reader must survive a failed edit open")
}

func TestAuthoringOpsRequireEditing(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newViewing(t, eng)

	_, err := c.CreateEncounter()
	assert.ErrorIs(t, err, session.ErrNotEditing)
	_, err = c.CreateModule(uuid.New(), "./schemas/lab/v1.json", nil)
	assert.ErrorIs(t, err, session.ErrNotEditing)
	_, err = c.CreateVariant(uuid.New(), "./schemas/lab/v1.json", nil)
	assert.ErrorIs(t, err, session.ErrNotEditing)
	_, err = c.CreateAnnotation(uuid.New(), "./schemas/annotation/v1.json", nil)
	assert.ErrorIs(t, err, session.ErrNotEditing)
	assert.ErrorIs(t, c.UpdateModule(uuid.New(), nil), session.ErrNotEditing)
	assert.ErrorIs(t, c.Save("s3cret"), session.ErrNotEditing)
	assert.ErrorIs(t, c.CancelEdit("s3cret"), session.ErrNotEditing)
}

func TestModuleDataWhileViewing(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newViewing(t, eng)

	result, err := c.ModuleData(uuid.New(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, engine.PayloadTabular, result.Kind())
	assert.Len(t, eng.readers, 1, "viewing reads never open extra handles")
}

func TestModuleDataEditingServedByCapableWriter(t *testing.T) {
	eng := &fakeEngine{newWriter: func() *fakeWriter {
		return &fakeWriter{
			canReads: true,
			result:   &fakeResult{kind: engine.PayloadTabular, meta: map[string]any{"staged": true}},
		}
	}}
	c, _ := newEditing(t, eng)

	result, err := c.ModuleData(uuid.New(), "")
	require.NoError(t, err)
	meta, err := result.Metadata()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"staged": true}, meta)

	assert.Len(t, eng.readers, 1, "capable writer needs no fallback reader")
}

func TestModuleDataEditingFallsBackToReader(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newEditing(t, eng)

	_, err := c.ModuleData(uuid.New(), "p4ss")
	require.NoError(t, err)

	require.Len(t, eng.readers, 2)
	assert.Equal(t, 1, eng.readers[0].closes, "standing reader closes before the fallback opens")
	assert.Equal(t, containerPath, eng.readers[1].openPath)
	assert.Equal(t, "p4ss", eng.readers[1].openSecret)

	// Subsequent reads reuse the attached fallback.
	_, err = c.ModuleData(uuid.New(), "p4ss")
	require.NoError(t, err)
	assert.Len(t, eng.readers, 2)
}

func TestFallbackUsesStoredSecretWhenCallerOmitsOne(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newEditing(t, eng)

	_, err := c.ModuleData(uuid.New(), "")
	require.NoError(t, err)

	require.Len(t, eng.readers, 2)
	assert.Equal(t, "s3cret", eng.readers[1].openSecret)
}

func TestFallbackOpenFailureIsRetryable(t *testing.T) {
	attempt := 0
	eng := &fakeEngine{}
	eng.newReader = func() *fakeReader {
		attempt++
		if attempt == 2 {
			return &fakeReader{openErr: engine.ErrDecryptionFailed}
		}
		return &fakeReader{}
	}
	c, _ := newEditing(t, eng)

	_, err := c.ModuleData(uuid.New(), "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrDecryptionFailed)
	assert.Equal(t, session.StateEditing, c.Status().State)

	_, err = c.ModuleData(uuid.New(), "s3cret")
	require.NoError(t, err)
	assert.Len(t, eng.readers, 3)
}

func TestAuditTrailUsesFallbackDuringEdit(t *testing.T) {
	eng := &fakeEngine{newWriter: func() *fakeWriter {
		return &fakeWriter{canReads: true}
	}}
	c, _ := newEditing(t, eng)

	_, err := c.AuditTrail(uuid.New(), "")
	require.NoError(t, err)
	assert.Len(t, eng.readers, 2, "audit lookups always go through a reader")
}

func TestSaveFinalizesAndReopens(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newEditing(t, eng)

	require.NoError(t, c.Save("s3cret"))

	assert.Equal(t, session.StateViewing, c.Status().State)
	assert.Equal(t, 1, eng.writers[0].finalized)
	assert.Equal(t, 1, eng.readers[0].closes)

	require.Len(t, eng.readers, 2)
	assert.Equal(t, "s3cret", eng.readers[1].openSecret)
}

func TestSaveClosesFallbackReader(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newEditing(t, eng)

	// Force the fallback open mid-edit.
	_, err := c.ModuleData(uuid.New(), "")
	require.NoError(t, err)
	require.Len(t, eng.readers, 2)

	require.NoError(t, c.Save("s3cret"))

	assert.Equal(t, 1, eng.readers[1].closes, "fallback reader must not outlive the edit")
	require.Len(t, eng.readers, 3)
	assert.True(t, eng.readers[2].opened)
}

func TestSaveFinalizeFailureKeepsEditing(t *testing.T) {
	eng := &fakeEngine{newWriter: func() *fakeWriter {
		return &fakeWriter{finalizeErr: errors.New("disk full")}
	}}
	c, _ := newEditing(t, eng)

	err := c.Save("s3cret")
	require.Error(t, err)
	assert.Equal(t, session.StateEditing, c.Status().State)

	// The staged session is still usable.
	_, err = c.CreateEncounter()
	assert.NoError(t, err)
	assert.NoError(t, c.CancelEdit("s3cret"))
	assert.Equal(t, session.StateViewing, c.Status().State)
}

func TestSaveReopenFailureEndsClosed(t *testing.T) {
	attempt := 0
	eng := &fakeEngine{}
	eng.newReader = func() *fakeReader {
		attempt++
		if attempt == 2 {
			return &fakeReader{openErr: errors.New("file locked")}
		}
		return &fakeReader{}
	}
	c, _ := newEditing(t, eng)

	err := c.Save("s3cret")
	require.Error(t, err)

	// The finalize went through; only the reopen failed.
	assert.Equal(t, 1, eng.writers[0].finalized)
	assert.Equal(t, session.StateClosed, c.Status().State)
}

func TestCancelEditReopensViewing(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newEditing(t, eng)

	_, err := c.CreateEncounter()
	require.NoError(t, err)

	require.NoError(t, c.CancelEdit("s3cret"))
	assert.Equal(t, session.StateViewing, c.Status().State)
	assert.Equal(t, 1, eng.writers[0].canceled)
	assert.Equal(t, 0, eng.writers[0].finalized)
}

func TestCancelEditFailureKeepsEditing(t *testing.T) {
	eng := &fakeEngine{newWriter: func() *fakeWriter {
		return &fakeWriter{cancelErr: errors.New("handle wedged")}
	}}
	c, _ := newEditing(t, eng)

	err := c.CancelEdit("s3cret")
	require.Error(t, err)
	assert.Equal(t, session.StateEditing, c.Status().State)
}

func TestCloseFromEditingDiscardsWriter(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newEditing(t, eng)

	require.NoError(t, c.Close())
	assert.Equal(t, session.StateClosed, c.Status().State)
	assert.Equal(t, 1, eng.writers[0].canceled)
	assert.Equal(t, 1, eng.readers[0].closes)

	// Close is idempotent.
	require.NoError(t, c.Close())
}

func TestCloseReportsHandleErrorsButEndsClosed(t *testing.T) {
	eng := &fakeEngine{newReader: func() *fakeReader {
		return &fakeReader{closeErr: errors.New("handle wedged")}
	}}
	c, _ := newViewing(t, eng)

	err := c.Close()
	require.Error(t, err)
	assert.Equal(t, session.StateClosed, c.Status().State)
}

func TestReadsAfterCloseFail(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newViewing(t, eng)
	require.NoError(t, c.Close())

	_, err := c.ModuleData(uuid.New(), "")
	assert.ErrorIs(t, err, session.ErrNotOpen)
	_, err = c.FileInfo("")
	assert.ErrorIs(t, err, session.ErrNotOpen)
	_, err = c.AuditTrail(uuid.New(), "")
	assert.ErrorIs(t, err, session.ErrNotOpen)
}
