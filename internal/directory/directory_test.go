package directory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/remote/memory"
)

func setup(t *testing.T, opts Options) (*Directory, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	d, err := New(backend, opts, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, backend
}

func TestProfileReadThrough(t *testing.T) {
	req := require.New(t)
	d, backend := setup(t, Options{})
	backend.AddUser(chat.ProfileSnapshot{UserID: "u1", DisplayName: "Ana"})
	ctx := context.Background()

	p, err := d.Profile(ctx, "u1")
	req.NoError(err)
	req.Equal("Ana", p.DisplayName)
	d.Wait()

	p, err = d.Profile(ctx, "u1")
	req.NoError(err)
	req.Equal("Ana", p.DisplayName)
	req.Equal(1, backend.Calls(memory.OpProfiles))

	d.Invalidate("u1")
	_, err = d.Profile(ctx, "u1")
	req.NoError(err)
	req.Equal(2, backend.Calls(memory.OpProfiles))
}

func TestProfileNotFound(t *testing.T) {
	d, _ := setup(t, Options{})
	_, err := d.Profile(context.Background(), "ghost")
	require.ErrorIs(t, err, chat.ErrProfileNotFound)
}

func TestProfilesBatchesLookups(t *testing.T) {
	req := require.New(t)
	d, backend := setup(t, Options{BatchSize: 10})
	var ids []string
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("u%02d", i)
		ids = append(ids, id)
		backend.AddUser(chat.ProfileSnapshot{UserID: id, DisplayName: id})
	}

	got, err := d.Profiles(context.Background(), ids)
	req.NoError(err)
	req.Len(got, 25)
	req.Equal(3, backend.Calls(memory.OpProfiles))
}

func TestRequireReportsMissing(t *testing.T) {
	d, backend := setup(t, Options{})
	backend.AddUser(chat.ProfileSnapshot{UserID: "u1"})
	_, err := d.Require(context.Background(), []string{"u1", "u2"})
	require.ErrorIs(t, err, chat.ErrProfileNotFound)
}

func TestSourceErrorsAreClassified(t *testing.T) {
	d, backend := setup(t, Options{})
	backend.FailNext(memory.OpProfiles, errors.New("connection reset"), 1)
	_, err := d.Profile(context.Background(), "u1")
	require.ErrorIs(t, err, chat.ErrTransient)
}

func TestSearch(t *testing.T) {
	req := require.New(t)
	d, backend := setup(t, Options{})
	backend.AddUser(chat.ProfileSnapshot{UserID: "u1", DisplayName: "Carla"})
	backend.AddUser(chat.ProfileSnapshot{UserID: "u2", DisplayName: "Carlos"})
	backend.AddUser(chat.ProfileSnapshot{UserID: "u3", DisplayName: "Bia"})

	found, err := d.Search(context.Background(), "car")
	req.NoError(err)
	req.Len(found, 2)

	_, err = d.Search(context.Background(), "  ")
	req.ErrorIs(err, chat.ErrValidation)
}
