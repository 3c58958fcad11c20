package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func assertOnePatchOpPerKey(t *testing.T, patch []PatchOp) {
	t.Helper()
	seen := map[string]bool{}
	for _, op := range patch {
		if seen[op.Key] {
			t.Fatalf("expected at most one op per key, got a second for %s", op.Key)
		}
		seen[op.Key] = true
	}
}

func patchOpFor(t *testing.T, patch []PatchOp, key string) PatchOp {
	t.Helper()
	for _, op := range patch {
		if op.Key == key {
			return op
		}
	}
	t.Fatalf("expected patch op for %s, got %+v", key, patch)
	return PatchOp{}
}

func TestPullFullSyncWithNullCookie(t *testing.T) {
	ms := newMemStore()
	svc := newSyncTestService(ms, &fakePoker{})
	session := Session{UserID: "user-1"}

	mustPush(t, svc, session, "group-1",
		mut("client-1", 1, "createNote", `{"id":"n1","title":"Keep","content":"body"}`),
		mut("client-1", 2, "createBlock", `{"id":"b1","noteId":"n1","fields":{"text":"hi"},"order":2.5}`),
		mut("client-1", 3, "createNote", `{"id":"n2","title":"Gone"}`),
		mut("client-1", 4, "deleteNote", `{"id":"n2"}`),
	)

	resp := mustPull(t, svc, session, "group-1", nil)

	if resp.Cookie != 4 {
		t.Fatalf("expected cookie 4, got %d", resp.Cookie)
	}
	if resp.LastMutationIDs["client-1"] != 4 {
		t.Fatalf("expected client-1 cursor 4, got %v", resp.LastMutationIDs)
	}
	assertOnePatchOpPerKey(t, resp.Patch)
	if len(resp.Patch) != 3 {
		t.Fatalf("expected 3 patch ops, got %d: %+v", len(resp.Patch), resp.Patch)
	}

	noteOp := patchOpFor(t, resp.Patch, "note/n1")
	if noteOp.Op != "put" {
		t.Fatalf("expected put for live note, got %s", noteOp.Op)
	}
	var note map[string]any
	if err := json.Unmarshal(noteOp.Value, &note); err != nil {
		t.Fatalf("parse note value: %v", err)
	}
	if note["title"] != "Keep" || note["content"] != "body" || note["ownerId"] != "user-1" {
		t.Fatalf("unexpected note value %v", note)
	}

	blockOp := patchOpFor(t, resp.Patch, "block/b1")
	if blockOp.Op != "put" {
		t.Fatalf("expected put for live block, got %s", blockOp.Op)
	}
	var block map[string]any
	if err := json.Unmarshal(blockOp.Value, &block); err != nil {
		t.Fatalf("parse block value: %v", err)
	}
	if block["noteId"] != "n1" || block["kind"] != "text" || block["order"] != 2.5 {
		t.Fatalf("unexpected block value %v", block)
	}
	fields, ok := block["fields"].(map[string]any)
	if !ok || fields["text"] != "hi" {
		t.Fatalf("expected block fields preserved, got %v", block["fields"])
	}

	delOp := patchOpFor(t, resp.Patch, "note/n2")
	if delOp.Op != "del" {
		t.Fatalf("expected del for tombstoned note, got %s", delOp.Op)
	}
	if len(delOp.Value) != 0 {
		t.Fatalf("expected del op without value, got %s", delOp.Value)
	}
}

func TestPullIncrementalFiltersByCookie(t *testing.T) {
	ms := newMemStore()
	svc := newSyncTestService(ms, &fakePoker{})
	session := Session{UserID: "user-1"}

	mustPush(t, svc, session, "group-1",
		mut("client-1", 1, "createNote", `{"id":"n1","title":"Old"}`),
		mut("client-1", 2, "createBlock", `{"id":"b1","noteId":"n1","order":1}`),
		mut("client-1", 3, "createNote", `{"id":"n2","title":"New"}`),
	)

	resp := mustPull(t, svc, session, "group-1", cookieAt(2))

	if resp.Cookie != 3 {
		t.Fatalf("expected cookie 3, got %d", resp.Cookie)
	}
	if len(resp.Patch) != 1 {
		t.Fatalf("expected only rows past the cookie, got %+v", resp.Patch)
	}
	if resp.Patch[0].Key != "note/n2" {
		t.Fatalf("expected note/n2, got %s", resp.Patch[0].Key)
	}
}

func TestPullWithCurrentCookieReturnsNoOps(t *testing.T) {
	ms := newMemStore()
	svc := newSyncTestService(ms, &fakePoker{})
	session := Session{UserID: "user-1"}

	mustPush(t, svc, session, "group-1",
		mut("client-1", 1, "createNote", `{"id":"n1"}`),
	)

	resp := mustPull(t, svc, session, "group-1", cookieAt(1))

	if resp.Cookie != 1 {
		t.Fatalf("expected cookie unchanged at 1, got %d", resp.Cookie)
	}
	if resp.Patch == nil || len(resp.Patch) != 0 {
		t.Fatalf("expected empty patch array, got %+v", resp.Patch)
	}
	if resp.LastMutationIDs["client-1"] != 1 {
		t.Fatalf("expected cursors even without changes, got %v", resp.LastMutationIDs)
	}
}

func TestPullOnEmptyStateReturnsZeroCookie(t *testing.T) {
	ms := newMemStore()
	svc := newSyncTestService(ms, &fakePoker{})
	session := Session{UserID: "user-1"}

	resp := mustPull(t, svc, session, "group-new", nil)

	if resp.Cookie != 0 {
		t.Fatalf("expected cookie 0, got %d", resp.Cookie)
	}
	if len(resp.Patch) != 0 {
		t.Fatalf("expected empty patch, got %+v", resp.Patch)
	}
	if resp.LastMutationIDs == nil || len(resp.LastMutationIDs) != 0 {
		t.Fatalf("expected empty cursor map, got %v", resp.LastMutationIDs)
	}
}

// A pull registers the group, so the group is owned from first contact.
func TestPullClaimsGroupForUser(t *testing.T) {
	ms := newMemStore()
	svc := newSyncTestService(ms, &fakePoker{})

	mustPull(t, svc, Session{UserID: "user-1"}, "group-1", nil)

	err := svc.Push(context.Background(), Session{UserID: "user-2"}, PushRequest{
		ClientGroupID: "group-1",
		Mutations:     []PendingMutation{mut("client-9", 1, "createNote", `{"id":"n9"}`)},
	})
	if err == nil {
		t.Fatalf("expected push into a claimed group to fail")
	}
}

func TestPullScopedToSessionUser(t *testing.T) {
	ms := newMemStore()
	svc := newSyncTestService(ms, &fakePoker{})
	avery := Session{UserID: "user-avery"}
	blake := Session{UserID: "user-blake"}

	mustPush(t, svc, avery, "group-a",
		mut("client-a", 1, "createNote", `{"id":"na","title":"Avery's"}`),
	)
	mustPush(t, svc, blake, "group-b",
		mut("client-b", 1, "createNote", `{"id":"nb","title":"Blake's"}`),
	)

	resp := mustPull(t, svc, avery, "group-a", nil)

	if len(resp.Patch) != 1 || resp.Patch[0].Key != "note/na" {
		t.Fatalf("expected only Avery's rows, got %+v", resp.Patch)
	}
	// The cookie tracks Avery's own rows, not the global counter.
	if resp.Cookie != 1 {
		t.Fatalf("expected cookie 1, got %d", resp.Cookie)
	}
	if _, ok := resp.LastMutationIDs["client-b"]; ok {
		t.Fatalf("expected no cursor for another group's client, got %v", resp.LastMutationIDs)
	}
}

func TestPullReportsCursorsForWholeGroup(t *testing.T) {
	ms := newMemStore()
	svc := newSyncTestService(ms, &fakePoker{})
	session := Session{UserID: "user-1"}

	mustPush(t, svc, session, "group-1",
		mut("client-1", 1, "createNote", `{"id":"n1"}`),
		mut("client-1", 2, "updateNote", `{"id":"n1","title":"v2"}`),
		mut("client-2", 1, "createNote", `{"id":"n2"}`),
	)

	resp := mustPull(t, svc, session, "group-1", nil)

	if resp.LastMutationIDs["client-1"] != 2 || resp.LastMutationIDs["client-2"] != 1 {
		t.Fatalf("expected cursors for every client of the group, got %v", resp.LastMutationIDs)
	}
}

func TestPullDeletedBlockBecomesDel(t *testing.T) {
	ms := newMemStore()
	svc := newSyncTestService(ms, &fakePoker{})
	session := Session{UserID: "user-1"}

	mustPush(t, svc, session, "group-1",
		mut("client-1", 1, "createNote", `{"id":"n1"}`),
		mut("client-1", 2, "createBlock", `{"id":"b1","noteId":"n1","order":1}`),
		mut("client-1", 3, "deleteBlock", `{"id":"b1"}`),
	)

	resp := mustPull(t, svc, session, "group-1", nil)

	assertOnePatchOpPerKey(t, resp.Patch)
	blockOp := patchOpFor(t, resp.Patch, "block/b1")
	if blockOp.Op != "del" {
		t.Fatalf("expected del for deleted block, got %s", blockOp.Op)
	}
	if resp.Cookie != 3 {
		t.Fatalf("expected cookie 3, got %d", resp.Cookie)
	}
}

func TestPullAfterNoteDeleteCascade(t *testing.T) {
	ms := newMemStore()
	svc := newSyncTestService(ms, &fakePoker{})
	session := Session{UserID: "user-1"}

	mustPush(t, svc, session, "group-1",
		mut("client-1", 1, "createNote", `{"id":"n1"}`),
		mut("client-1", 2, "createBlock", `{"id":"b1","noteId":"n1","order":1}`),
		mut("client-1", 3, "createBlock", `{"id":"b2","noteId":"n1","order":2}`),
	)

	// A device that synced the full note now sees the cascade.
	synced := mustPull(t, svc, session, "group-1", nil)
	mustPush(t, svc, session, "group-1",
		mut("client-1", 4, "deleteNote", `{"id":"n1"}`),
	)
	resp := mustPull(t, svc, session, "group-1", cookieAt(synced.Cookie))

	if len(resp.Patch) != 3 {
		t.Fatalf("expected dels for note and both blocks, got %+v", resp.Patch)
	}
	for _, key := range []string{"note/n1", "block/b1", "block/b2"} {
		if op := patchOpFor(t, resp.Patch, key); op.Op != "del" {
			t.Fatalf("expected del for %s, got %s", key, op.Op)
		}
	}
	if resp.Cookie != 4 {
		t.Fatalf("expected cookie 4, got %d", resp.Cookie)
	}
}

func TestPullValidatesRequest(t *testing.T) {
	svc := newSyncTestService(newMemStore(), &fakePoker{})
	session := Session{UserID: "user-1"}

	_, err := svc.Pull(context.Background(), session, PullRequest{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_REQUEST" {
		t.Fatalf("expected INVALID_REQUEST for missing group, got %v", err)
	}

	_, err = svc.Pull(context.Background(), session, PullRequest{ClientGroupID: "group-1", Cookie: cookieAt(-1)})
	if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_REQUEST" {
		t.Fatalf("expected INVALID_REQUEST for negative cookie, got %v", err)
	}
}

func TestPullRejectsForeignGroup(t *testing.T) {
	ms := newMemStore()
	svc := newSyncTestService(ms, &fakePoker{})

	mustPush(t, svc, Session{UserID: "user-1"}, "group-1",
		mut("client-1", 1, "createNote", `{"id":"n1"}`),
	)

	_, err := svc.Pull(context.Background(), Session{UserID: "user-2"}, PullRequest{ClientGroupID: "group-1"})
	if err == nil {
		t.Fatalf("expected pull of a foreign group to fail")
	}
}
