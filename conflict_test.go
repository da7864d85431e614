package copilot

import (
	"testing"
	"time"
)

func caseRec(id, title, status string) CaseRecord {
	return CaseRecord{CaseID: id, Title: title, Status: status, UpdatedAt: time.Now()}
}

func TestConflictDetect(t *testing.T) {
	t.Run("identical copies have no conflict", func(t *testing.T) {
		r := NewConflictResolver()
		r.RecordSynced(caseRec("case-1", "DNS outage", "open"))

		det := r.Detect(caseRec("case-1", "DNS outage", "open"), caseRec("case-1", "DNS outage", "open"))
		if det.HasConflict() {
			t.Fatal("unexpected conflict")
		}
		for _, f := range det.Fields {
			if f.Class != ConflictNone {
				t.Fatalf("field %s class = %s", f.Field, f.Class)
			}
		}
	})

	t.Run("local-only change", func(t *testing.T) {
		r := NewConflictResolver()
		r.RecordSynced(caseRec("case-1", "DNS outage", "open"))

		det := r.Detect(caseRec("case-1", "DNS outage in eu-west", "open"), caseRec("case-1", "DNS outage", "open"))
		if got := fieldClass(det, "title"); got != ConflictLocalOnly {
			t.Fatalf("title class = %s, want local_only", got)
		}
	})

	t.Run("remote-only change", func(t *testing.T) {
		r := NewConflictResolver()
		r.RecordSynced(caseRec("case-1", "DNS outage", "open"))

		det := r.Detect(caseRec("case-1", "DNS outage", "open"), caseRec("case-1", "DNS outage", "closed"))
		if got := fieldClass(det, "status"); got != ConflictRemoteOnly {
			t.Fatalf("status class = %s, want remote_only", got)
		}
	})

	t.Run("both sides changed", func(t *testing.T) {
		r := NewConflictResolver()
		r.RecordSynced(caseRec("case-1", "DNS outage", "open"))

		det := r.Detect(caseRec("case-1", "local title", "open"), caseRec("case-1", "remote title", "open"))
		if got := fieldClass(det, "title"); got != ConflictDiverged {
			t.Fatalf("title class = %s, want diverged", got)
		}
		if !det.HasConflict() {
			t.Fatal("expected conflict")
		}
	})

	t.Run("no baseline treats any difference as diverged", func(t *testing.T) {
		r := NewConflictResolver()
		det := r.Detect(caseRec("case-1", "a", "open"), caseRec("case-1", "b", "open"))
		if got := fieldClass(det, "title"); got != ConflictDiverged {
			t.Fatalf("title class = %s, want diverged", got)
		}
	})
}

func fieldClass(det ConflictDetectionResult, field string) ConflictClass {
	for _, f := range det.Fields {
		if f.Field == field {
			return f.Class
		}
	}
	return ""
}

func TestConflictResolve(t *testing.T) {
	t.Run("one-sided changes merge automatically", func(t *testing.T) {
		r := NewConflictResolver()
		r.RecordSynced(caseRec("case-1", "DNS outage", "open"))

		local := caseRec("case-1", "DNS outage in eu-west", "open")
		remote := caseRec("case-1", "DNS outage", "closed")
		merged, det := r.Resolve(local, remote)

		if det.HasConflict() {
			t.Fatal("unexpected conflict")
		}
		if merged.Title != "DNS outage in eu-west" {
			t.Fatalf("merged title = %q", merged.Title)
		}
		if merged.Status != "closed" {
			t.Fatalf("merged status = %q", merged.Status)
		}
	})

	t.Run("diverged without callback keeps local", func(t *testing.T) {
		r := NewConflictResolver()
		r.RecordSynced(caseRec("case-1", "base", "open"))

		merged, det := r.Resolve(caseRec("case-1", "local", "open"), caseRec("case-1", "remote", "open"))
		if !det.HasConflict() {
			t.Fatal("expected conflict")
		}
		if merged.Title != "local" {
			t.Fatalf("merged title = %q, want local copy kept", merged.Title)
		}
	})

	t.Run("keep_remote backs up the local copy first", func(t *testing.T) {
		r := NewConflictResolver(WithConflictCallback(func(p ConflictPrompt) Resolution {
			return ResolutionKeepRemote
		}))
		r.RecordSynced(caseRec("case-1", "base", "open"))

		merged, _ := r.Resolve(caseRec("case-1", "local", "open"), caseRec("case-1", "remote", "open"))
		if merged.Title != "remote" {
			t.Fatalf("merged title = %q, want remote", merged.Title)
		}

		backups := r.BackupsForCase("case-1")
		if len(backups) != 1 {
			t.Fatalf("backups = %d, want 1", len(backups))
		}
		if backups[0].Record.Title != "local" {
			t.Fatalf("backup title = %q", backups[0].Record.Title)
		}
	})

	t.Run("keep_remote re-baselines so the conflict does not repeat", func(t *testing.T) {
		r := NewConflictResolver(WithConflictCallback(func(p ConflictPrompt) Resolution {
			return ResolutionKeepRemote
		}))
		r.RecordSynced(caseRec("case-1", "base", "open"))

		merged, _ := r.Resolve(caseRec("case-1", "local", "open"), caseRec("case-1", "remote", "open"))
		det := r.Detect(merged, caseRec("case-1", "remote", "open"))
		if det.HasConflict() {
			t.Fatal("conflict resurfaced after resolution")
		}
	})

	t.Run("cancel keeps local and the stale baseline", func(t *testing.T) {
		r := NewConflictResolver(WithConflictCallback(func(p ConflictPrompt) Resolution {
			return ResolutionCancel
		}))
		r.RecordSynced(caseRec("case-1", "base", "open"))

		merged, _ := r.Resolve(caseRec("case-1", "local", "open"), caseRec("case-1", "remote", "open"))
		if merged.Title != "local" {
			t.Fatalf("merged title = %q", merged.Title)
		}
		det := r.Detect(caseRec("case-1", "local", "open"), caseRec("case-1", "remote", "open"))
		if !det.HasConflict() {
			t.Fatal("conflict should resurface after cancel")
		}
	})

	t.Run("slow callback falls back to keeping local", func(t *testing.T) {
		r := NewConflictResolver(
			WithCallbackTimeout(10*time.Millisecond),
			WithConflictCallback(func(p ConflictPrompt) Resolution {
				time.Sleep(200 * time.Millisecond)
				return ResolutionKeepRemote
			}),
		)
		r.RecordSynced(caseRec("case-1", "base", "open"))

		merged, _ := r.Resolve(caseRec("case-1", "local", "open"), caseRec("case-1", "remote", "open"))
		if merged.Title != "local" {
			t.Fatalf("merged title = %q, want local after timeout", merged.Title)
		}
	})

	t.Run("prompt carries both copies and a merge candidate", func(t *testing.T) {
		var got ConflictPrompt
		r := NewConflictResolver(WithConflictCallback(func(p ConflictPrompt) Resolution {
			got = p
			return ResolutionKeepLocal
		}))
		r.RecordSynced(caseRec("case-1", "base", "open"))

		r.Resolve(caseRec("case-1", "local", "open"), caseRec("case-1", "remote", "closed"))
		if got.Local.Title != "local" || got.Remote.Title != "remote" {
			t.Fatalf("prompt copies = %q / %q", got.Local.Title, got.Remote.Title)
		}
		if got.Merge.Title != "remote" || got.Merge.Status != "closed" {
			t.Fatalf("merge candidate = %+v", got.Merge)
		}
	})
}
