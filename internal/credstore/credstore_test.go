package credstore

import "testing"

func openTestStore(t *testing.T) *Store {
	t.Helper()
	t.Setenv("CREDSTORE_KEY", "")
	dir := t.TempDir()
	encKeyCacheMu.Lock()
	encKeyCache = nil
	encKeyCacheMu.Unlock()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSaveAndGet_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	creds := Credentials{AccessToken: "at", RefreshToken: "rt", ExpiresAt: 123456, Email: "a@b.com"}
	if err := s.Save("anthropic", 0, creds); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Get("anthropic", 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.AccessToken != "at" || got.RefreshToken != "rt" || got.Email != "a@b.com" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestGet_MissingReturnsNilNotError(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get("anthropic", 42)
	if err != nil {
		t.Fatalf("expected no error for missing row, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing row, got %+v", got)
	}
}

func TestGetAll_OrderedByAccount(t *testing.T) {
	s := openTestStore(t)
	s.Save("codex", 2, Credentials{RefreshToken: "r2"})
	s.Save("codex", 0, Credentials{RefreshToken: "r0"})
	s.Save("codex", 1, Credentials{RefreshToken: "r1"})

	entries, err := s.GetAll("codex")
	if err != nil {
		t.Fatalf("getAll: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Account != i {
			t.Errorf("expected entries ordered by account, got account %d at index %d", e.Account, i)
		}
	}
}

func TestNextAccount_DenseAssignment(t *testing.T) {
	s := openTestStore(t)
	if n, _ := s.NextAccount("google"); n != 0 {
		t.Errorf("expected 0 for empty provider, got %d", n)
	}
	s.Save("google", 0, Credentials{RefreshToken: "r"})
	if n, _ := s.NextAccount("google"); n != 1 {
		t.Errorf("expected 1 after one account, got %d", n)
	}
	s.Save("google", 5, Credentials{RefreshToken: "r"})
	if n, _ := s.NextAccount("google"); n != 6 {
		t.Errorf("expected max+1 = 6, got %d", n)
	}
}

func TestFindByIdentity_MatchesByEmailOrAccountID(t *testing.T) {
	s := openTestStore(t)
	s.Save("anthropic", 0, Credentials{RefreshToken: "r", Email: "x@y.com"})
	s.Save("anthropic", 1, Credentials{RefreshToken: "r", AccountID: "acct-1"})

	account, matched, err := s.FindByIdentity("anthropic", Credentials{Email: "x@y.com"})
	if err != nil || !matched || account != 0 {
		t.Errorf("expected match on account 0 by email, got account=%d matched=%v err=%v", account, matched, err)
	}

	account, matched, err = s.FindByIdentity("anthropic", Credentials{AccountID: "acct-1"})
	if err != nil || !matched || account != 1 {
		t.Errorf("expected match on account 1 by accountId, got account=%d matched=%v err=%v", account, matched, err)
	}

	_, matched, _ = s.FindByIdentity("anthropic", Credentials{Email: "nobody@nowhere.com"})
	if matched {
		t.Error("expected no match for unknown identity")
	}
}

func TestExists_RequiresRefreshToken(t *testing.T) {
	s := openTestStore(t)
	if ok, _ := s.Exists("codex"); ok {
		t.Error("expected Exists to be false with no rows")
	}
	s.Save("codex", 0, Credentials{RefreshToken: ""})
	if ok, _ := s.Exists("codex"); ok {
		t.Error("a row with an empty refresh token should not count as existing")
	}
	s.Save("codex", 1, Credentials{RefreshToken: "rt"})
	if ok, _ := s.Exists("codex"); !ok {
		t.Error("expected Exists to be true once a usable row is present")
	}
}

func TestRemove_SingleAccountVsAll(t *testing.T) {
	s := openTestStore(t)
	s.Save("anthropic", 0, Credentials{RefreshToken: "r0"})
	s.Save("anthropic", 1, Credentials{RefreshToken: "r1"})

	acct := 0
	s.Remove("anthropic", &acct)
	entries, _ := s.GetAll("anthropic")
	if len(entries) != 1 || entries[0].Account != 1 {
		t.Errorf("expected only account 1 to remain, got %+v", entries)
	}

	s.Remove("anthropic", nil)
	entries, _ = s.GetAll("anthropic")
	if len(entries) != 0 {
		t.Errorf("expected all accounts removed, got %+v", entries)
	}
}

func TestGet_CorruptRowDeletedNotCascaded(t *testing.T) {
	s := openTestStore(t)
	wConn, err := s.writeConn()
	if err != nil {
		t.Fatalf("write conn: %v", err)
	}
	defer wConn.Close()
	if _, err := wConn.Exec(`INSERT INTO credentials (provider, account, payload_enc) VALUES (?, ?, ?)`, "anthropic", 3, "not-valid-ciphertext"); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	got, err := s.Get("anthropic", 3)
	if err != nil {
		t.Fatalf("expected no error surfaced for corrupt row, got %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for corrupt row, got %+v", got)
	}

	entries, _ := s.GetAll("anthropic")
	if len(entries) != 0 {
		t.Errorf("expected corrupt row deleted, got %+v", entries)
	}
}

func TestFresh(t *testing.T) {
	c := Credentials{ExpiresAt: 1000}
	if !Fresh(c, 500) {
		t.Error("now < expiresAt should be fresh")
	}
	if Fresh(c, 1000) {
		t.Error("now == expiresAt should not be fresh")
	}
	if Fresh(c, 1500) {
		t.Error("now > expiresAt should not be fresh")
	}
}
