package database_test

import (
	"testing"
	"time"

	"github.com/grabbitd/grabbit/internal/artifact"
	"github.com/grabbitd/grabbit/internal/index"
	"github.com/grabbitd/grabbit/internal/listing"
	"github.com/grabbitd/grabbit/internal/post"
	"github.com/grabbitd/grabbit/internal/scheduler"
	"github.com/grabbitd/grabbit/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func Test_Stores_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	manager := helpers.SetupTestDatabase(t)
	db := manager.GetSqlxDb()

	posts := post.NewStore()
	artifacts := artifact.NewStore()
	links := index.NewStore()
	sources := scheduler.NewStore()

	t.Run("post permalink is enforced unique", func(t *testing.T) {
		first := &post.Post{Comments: []post.Comment{{Author: "alice", Body: "nice", Score: 4}}}
		first.Title = "First"
		first.Subreddit = "pics"
		first.Permalink = strPtr("/r/pics/comments/aaa111/first/")
		require.NoError(t, posts.Save(db, first))

		// Same permalink again must resolve to the same row, refreshing the
		// mutable fields rather than inserting.
		second := &post.Post{Comments: []post.Comment{{Author: "alice", Body: "nice", Score: 9, Removed: true}}}
		second.Title = "First"
		second.Subreddit = "pics"
		second.Permalink = strPtr("/r/pics/comments/aaa111/first/")
		second.Score = 120
		require.NoError(t, posts.Save(db, second))
		assert.Equal(t, first.ID, second.ID)

		stored, err := posts.GetByPermalink(db, "/r/pics/comments/aaa111/first/")
		require.NoError(t, err)
		assert.Equal(t, 120, stored.Score)
		require.Len(t, stored.Comments, 1)
		assert.True(t, stored.Comments[0].Removed)

		known, err := posts.IsPermalinkKnown(db, "/r/pics/comments/aaa111/first/")
		require.NoError(t, err)
		assert.True(t, known)

		known, err = posts.IsPermalinkKnown(db, "/r/pics/comments/zzz999/other/")
		require.NoError(t, err)
		assert.False(t, known)
	})

	t.Run("external id extracted from permalink", func(t *testing.T) {
		p := &post.Post{}
		p.Title = "With id"
		p.Permalink = strPtr("/r/pics/comments/bbb222/with_id/")
		require.NoError(t, posts.Save(db, p))

		stored, err := posts.GetByID(db, p.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.ExternalID)
		assert.Equal(t, "bbb222", *stored.ExternalID)
	})

	t.Run("artifact fingerprint upsert never duplicates", func(t *testing.T) {
		a := &artifact.Artifact{Fingerprint: "0123456789abcdef0123456789abcdef", FilePath: "/data/a.jpg", Filename: "a.jpg", FileSize: 100}
		require.NoError(t, artifacts.Save(db, a))

		duplicate := &artifact.Artifact{Fingerprint: "0123456789abcdef0123456789abcdef", FilePath: "/data/moved/a.jpg", Filename: "a.jpg", FileSize: 100}
		require.NoError(t, artifacts.Save(db, duplicate))
		assert.Equal(t, a.ID, duplicate.ID)

		var count int
		require.NoError(t, db.Get(&count, `SELECT COUNT(*) FROM artifacts WHERE fingerprint=$1`, a.Fingerprint))
		assert.Equal(t, 1, count)

		stored, err := artifacts.GetByFingerprint(db, a.Fingerprint)
		require.NoError(t, err)
		assert.Equal(t, "/data/moved/a.jpg", stored.FilePath)
	})

	t.Run("artifact soft-delete round trip", func(t *testing.T) {
		a := &artifact.Artifact{Fingerprint: "ffffffffffffffffffffffffffffffff", FilePath: "/data/b.jpg", Filename: "b.jpg", FileSize: 5}
		require.NoError(t, artifacts.Save(db, a))

		require.NoError(t, artifacts.SetDeleted(db, a.ID))
		stored, err := artifacts.GetByID(db, a.ID)
		require.NoError(t, err)
		assert.True(t, stored.IsDeleted)

		require.NoError(t, artifacts.ClearDeleted(db, a.ID))
		stored, err = artifacts.GetByID(db, a.ID)
		require.NoError(t, err)
		assert.False(t, stored.IsDeleted)
	})

	t.Run("link insert-if-absent and origin lookup", func(t *testing.T) {
		p := &post.Post{}
		p.Title = "Linker"
		p.Subreddit = "earthporn"
		p.Permalink = strPtr("/r/earthporn/comments/ccc333/linker/")
		require.NoError(t, posts.Save(db, p))

		a := &artifact.Artifact{Fingerprint: "11112222333344445555666677778888", FilePath: "/data/c.jpg", Filename: "c.jpg", FileSize: 9}
		require.NoError(t, artifacts.Save(db, a))

		link := &index.Link{PostID: p.ID, ArtifactID: a.ID, OriginURL: "https://i.redd.it/c.jpg"}
		require.NoError(t, links.InsertIfAbsent(db, link))
		require.NoError(t, links.InsertIfAbsent(db, &index.Link{PostID: p.ID, ArtifactID: a.ID, OriginURL: "https://i.redd.it/c.jpg"}))

		stored, err := links.GetForPost(db, p.ID)
		require.NoError(t, err)
		assert.Len(t, stored, 1)

		found, err := artifacts.GetByOriginURL(db, "https://i.redd.it/c.jpg")
		require.NoError(t, err)
		assert.Equal(t, a.ID, found.ID)

		origins, err := links.ListActiveOrigins(db, "earthporn")
		require.NoError(t, err)
		require.Len(t, origins, 1)
		assert.Equal(t, "https://i.redd.it/c.jpg", origins[0].OriginURL)
	})

	t.Run("purge cascade removes orphaned artifacts only", func(t *testing.T) {
		shared := &artifact.Artifact{Fingerprint: "99998888777766665555444433332222", FilePath: "/data/shared.jpg", Filename: "shared.jpg", FileSize: 7}
		require.NoError(t, artifacts.Save(db, shared))
		orphan := &artifact.Artifact{Fingerprint: "aaaabbbbccccddddeeeeffff00001111", FilePath: "/data/orphan.jpg", Filename: "orphan.jpg", FileSize: 7}
		require.NoError(t, artifacts.Save(db, orphan))

		doomed := &post.Post{}
		doomed.Title = "Doomed"
		doomed.Permalink = strPtr("/r/pics/comments/ddd444/doomed/")
		require.NoError(t, posts.Save(db, doomed))
		survivor := &post.Post{}
		survivor.Title = "Survivor"
		survivor.Permalink = strPtr("/r/pics/comments/eee555/survivor/")
		require.NoError(t, posts.Save(db, survivor))

		require.NoError(t, links.InsertIfAbsent(db, &index.Link{PostID: doomed.ID, ArtifactID: shared.ID, OriginURL: "https://i.redd.it/shared.jpg"}))
		require.NoError(t, links.InsertIfAbsent(db, &index.Link{PostID: survivor.ID, ArtifactID: shared.ID, OriginURL: "https://i.redd.it/shared.jpg"}))
		require.NoError(t, links.InsertIfAbsent(db, &index.Link{PostID: doomed.ID, ArtifactID: orphan.ID, OriginURL: "https://i.redd.it/orphan.jpg"}))

		removedFiles, err := links.PurgePost(db, doomed.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"/data/orphan.jpg"}, removedFiles)

		_, err = posts.GetByID(db, doomed.ID)
		assert.ErrorIs(t, err, post.ErrPostNotFound)
		_, err = artifacts.GetByID(db, orphan.ID)
		assert.ErrorIs(t, err, artifact.ErrArtifactNotFound)

		kept, err := artifacts.GetByID(db, shared.ID)
		require.NoError(t, err)
		assert.Equal(t, "shared.jpg", kept.Filename)
	})

	t.Run("source selection order and backoff counters", func(t *testing.T) {
		stale := time.Now().Add(-2 * time.Hour)
		recent := time.Now().Add(-10 * time.Minute)

		never := &scheduler.Source{SourceType: listing.SourceSubreddit, Name: "aquariums", Enabled: true}
		require.NoError(t, sources.Save(db, never))
		old := &scheduler.Source{SourceType: listing.SourceSubreddit, Name: "bonsai", Enabled: true, LastPolledAt: &stale}
		require.NoError(t, sources.Save(db, old))
		fresh := &scheduler.Source{SourceType: listing.SourceUser, Name: "craftsman", Enabled: true, LastPolledAt: &recent}
		require.NoError(t, sources.Save(db, fresh))
		disabled := &scheduler.Source{SourceType: listing.SourceSubreddit, Name: "dormant", Enabled: false}
		require.NoError(t, sources.Save(db, disabled))

		eligible, err := sources.ListEligible(db, 3)
		require.NoError(t, err)
		require.Len(t, eligible, 3)
		assert.Equal(t, "aquariums", eligible[0].Name, "never-polled sources come first")
		assert.Equal(t, "bonsai", eligible[1].Name)
		assert.Equal(t, "craftsman", eligible[2].Name)

		// Drive the counter to the threshold and confirm exclusion.
		for i := 0; i < 3; i++ {
			count, err := sources.IncrementZeroResults(db, old.ID)
			require.NoError(t, err)
			assert.Equal(t, i+1, count)
		}

		eligible, err = sources.ListEligible(db, 3)
		require.NoError(t, err)
		require.Len(t, eligible, 2)

		backedOff, err := sources.ListBackedOff(db, 3)
		require.NoError(t, err)
		require.Len(t, backedOff, 1)
		assert.Equal(t, "bonsai", backedOff[0].Name)

		// A single reset returns the source to eligibility immediately.
		require.NoError(t, sources.ResetZeroResults(db, old.ID))
		eligible, err = sources.ListEligible(db, 3)
		require.NoError(t, err)
		assert.Len(t, eligible, 3)
	})

	t.Run("poll stamp updates ordering", func(t *testing.T) {
		stored, err := sources.Get(db, listing.SourceSubreddit, "aquariums")
		require.NoError(t, err)
		require.Nil(t, stored.LastPolledAt)

		require.NoError(t, sources.StampPolled(db, stored.ID))
		stored, err = sources.Get(db, listing.SourceSubreddit, "aquariums")
		require.NoError(t, err)
		require.NotNil(t, stored.LastPolledAt)

		eligible, err := sources.ListEligible(db, 3)
		require.NoError(t, err)
		assert.Equal(t, "aquariums", eligible[len(eligible)-1].Name, "freshly stamped source moves to the back")
	})
}
