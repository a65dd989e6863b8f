package liveness_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/grabbitd/grabbit/internal/artifact"
	"github.com/grabbitd/grabbit/internal/event"
	"github.com/grabbitd/grabbit/internal/index"
	"github.com/grabbitd/grabbit/internal/liveness"
	"github.com/grabbitd/grabbit/internal/post"
	"github.com/grabbitd/grabbit/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Liveness_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	manager := helpers.SetupTestDatabase(t)
	db := manager.GetSqlxDb()
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone.jpg" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	// An unreachable origin, for the fail-closed path.
	deadSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := deadSrv.URL + "/unreachable.jpg"
	deadSrv.Close()

	posts := post.NewStore()
	artifacts := artifact.NewStore()
	links := index.NewStore()

	owner := &post.Post{}
	owner.Title = "Owner"
	owner.Subreddit = "pics"
	permalink := "/r/pics/comments/aaa111/owner/"
	owner.Permalink = &permalink
	require.NoError(t, posts.Save(db, owner))

	seed := func(fingerprint, filename, originURL string) *artifact.Artifact {
		a := &artifact.Artifact{Fingerprint: fingerprint, FilePath: "/data/" + filename, Filename: filename, FileSize: 1}
		require.NoError(t, artifacts.Save(db, a))
		require.NoError(t, links.InsertIfAbsent(db, &index.Link{PostID: owner.ID, ArtifactID: a.ID, OriginURL: originURL}))
		return a
	}

	alive := seed("aaaa0000aaaa0000aaaa0000aaaa0000", "alive.jpg", srv.URL+"/alive.jpg")
	gone := seed("bbbb0000bbbb0000bbbb0000bbbb0000", "gone.jpg", srv.URL+"/gone.jpg")
	unreachable := seed("cccc0000cccc0000cccc0000cccc0000", "unreachable.jpg", deadURL)

	service := liveness.New(
		liveness.Config{ProbeTimeout: 2 * time.Second, Workers: 2},
		manager, links, artifacts, event.New())

	report, err := service.CheckDeleted(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Probed)
	assert.Equal(t, 2, report.MarkedDeleted)

	storedAlive, err := artifacts.GetByID(db, alive.ID)
	require.NoError(t, err)
	assert.False(t, storedAlive.IsDeleted)

	storedGone, err := artifacts.GetByID(db, gone.ID)
	require.NoError(t, err)
	assert.True(t, storedGone.IsDeleted, "a 404 origin must be marked deleted")

	storedUnreachable, err := artifacts.GetByID(db, unreachable.ID)
	require.NoError(t, err)
	assert.True(t, storedUnreachable.IsDeleted, "probe failures are treated as gone")

	// Soft-deleted artifacts drop out of the next sweep's scope.
	report, err = service.CheckDeleted(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Probed)
	assert.Zero(t, report.MarkedDeleted)
}

func Test_Liveness_SubredditScope(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	manager := helpers.SetupTestDatabase(t)
	db := manager.GetSqlxDb()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	posts := post.NewStore()
	artifacts := artifact.NewStore()
	links := index.NewStore()

	seed := func(subreddit, id, fingerprint string) *artifact.Artifact {
		p := &post.Post{}
		p.Title = subreddit
		p.Subreddit = subreddit
		permalink := "/r/" + subreddit + "/comments/" + id + "/x/"
		p.Permalink = &permalink
		require.NoError(t, posts.Save(db, p))

		a := &artifact.Artifact{Fingerprint: fingerprint, FilePath: "/data/" + id, Filename: id + ".jpg", FileSize: 1}
		require.NoError(t, artifacts.Save(db, a))
		require.NoError(t, links.InsertIfAbsent(db, &index.Link{PostID: p.ID, ArtifactID: a.ID, OriginURL: srv.URL + "/" + id}))
		return a
	}

	inScope := seed("pics", "aaa111", "aaaa1111aaaa1111aaaa1111aaaa1111")
	outOfScope := seed("earthporn", "bbb222", "bbbb2222bbbb2222bbbb2222bbbb2222")

	service := liveness.New(
		liveness.Config{ProbeTimeout: 2 * time.Second, Workers: 1},
		manager, links, artifacts, event.New())

	report, err := service.CheckDeleted(context.Background(), "pics")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Probed)

	storedIn, err := artifacts.GetByID(db, inScope.ID)
	require.NoError(t, err)
	assert.True(t, storedIn.IsDeleted)

	storedOut, err := artifacts.GetByID(db, outOfScope.ID)
	require.NoError(t, err)
	assert.False(t, storedOut.IsDeleted, "artifacts outside the scoped subreddit are untouched")
}
