package registry

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wakezilla/internal/model"
)

func testMachine(localPort uint16) model.Machine {
	return model.Machine{
		MAC:                     "aa:bb:cc:dd:ee:ff",
		IP:                      "192.168.1.50",
		Name:                    "desktop",
		CanTurnOff:              true,
		TurnOffPort:             9100,
		InactivityPeriodMinutes: 5,
		PortForwards: []model.PortForward{
			{LocalPort: localPort, TargetPort: 22},
		},
	}
}

func TestInsert_AssignsIDAndPersists(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "machines.json"))

	m, err := r.Insert(testMachine(8001))
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.FileExists(t, filepath.Join(dir, "machines.json"))

	got, ok := r.Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", got.MAC)
}

func TestInsert_RejectsInvalidMAC(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "machines.json"))

	m := testMachine(8001)
	m.MAC = "00:00:00:00:00:00"

	_, err := r.Insert(m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestInsert_RejectsDuplicateLocalPort(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "machines.json"))

	_, err := r.Insert(testMachine(8001))
	require.NoError(t, err)

	_, err = r.Insert(testMachine(8001))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestInsert_RejectsMissingTurnOffPortWhenCanTurnOff(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "machines.json"))

	m := testMachine(8001)
	m.TurnOffPort = 0

	_, err := r.Insert(m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestUpdate_RollsBackOnChangeHandlerFailure(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "machines.json"))
	m, err := r.Insert(testMachine(8001))
	require.NoError(t, err)

	r.SetChangeHandler(failingHandler{})

	updated := m
	updated.Name = "renamed"
	_, err = r.Update(m.ID, updated)
	require.Error(t, err)

	got, ok := r.Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, "desktop", got.Name, "failed reconciliation must roll back the mutation")
}

func TestRemove_RollsBackOnChangeHandlerFailure(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "machines.json"))
	m, err := r.Insert(testMachine(8001))
	require.NoError(t, err)

	r.SetChangeHandler(failingHandler{})

	err = r.Remove(m.ID)
	require.Error(t, err)

	_, ok := r.Get(m.ID)
	assert.True(t, ok, "failed reconciliation must keep the machine in place")
}

func TestTouch_UpdatesLastRequest(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "machines.json"))
	m, err := r.Insert(testMachine(8001))
	require.NoError(t, err)

	before, ok := r.LastRequest(m.ID)
	require.True(t, ok)

	r.Touch(m.ID)

	after, ok := r.LastRequest(m.ID)
	require.True(t, ok)
	assert.False(t, after.Before(before))
}

func TestPersistAndLoad_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machines.json")
	r := New(path)
	_, err := r.Insert(testMachine(8001))
	require.NoError(t, err)

	r2 := New(path)
	require.NoError(t, r2.Load())

	machines := r2.List()
	require.Len(t, machines, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", machines[0].MAC)
}

func TestLoad_DropsInvalidEntriesWithoutFailing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machines.json")
	require.NoError(t, writeAtomic(path, []model.Machine{
		{ID: "bad", MAC: "not-a-mac"},
		{ID: "good", MAC: "aa:bb:cc:dd:ee:ff"},
	}))

	r := New(path)
	require.NoError(t, r.Load())

	machines := r.List()
	require.Len(t, machines, 1)
	assert.Equal(t, "good", machines[0].ID)
}

type failingHandler struct{}

func (failingHandler) Reconcile([]model.Machine) error {
	return errors.New("reconcile failed")
}
