package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc, _ := newTestService(t)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func registerHTTP(t *testing.T, server *httptest.Server, email, username string) (token string, userID string) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/auth/register", "", map[string]any{
		"email":    email,
		"username": username,
		"password": "correct horse battery",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d body %v", username, resp.StatusCode, body)
	}
	user := body["user"].(map[string]any)
	return body["token"].(string), user["id"].(string)
}

func TestHealthAndReady(t *testing.T) {
	server := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/ready", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("ready: %d %v", resp.StatusCode, body)
	}
}

func TestAuthEndpoints(t *testing.T) {
	server := newTestServer(t)

	token, userID := registerHTTP(t, server, "ada@example.com", "ada")

	resp, body := doJSON(t, http.MethodGet, server.URL+"/api/auth/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %v", resp.StatusCode, body)
	}
	user := body["user"].(map[string]any)
	if user["id"] != userID || user["username"] != "ada" {
		t.Fatalf("unexpected me payload: %v", user)
	}

	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/auth/login", "", map[string]any{
		"email":    "ada@example.com",
		"password": "nope nope nope",
	})
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("bad login: %d %v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/auth/me", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me without token: %d", resp.StatusCode)
	}
}

func TestNoteLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t)

	ownerToken, _ := registerHTTP(t, server, "ada@example.com", "ada")
	viewerToken, _ := registerHTTP(t, server, "bob@example.com", "bob")

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/notes", ownerToken, map[string]any{
		"title":   "Plans",
		"content": "step one",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create note: %d %v", resp.StatusCode, body)
	}
	noteID := body["note"].(map[string]any)["id"].(string)

	resp, body = doJSON(t, http.MethodPut, server.URL+"/api/notes/"+noteID, ownerToken, map[string]any{
		"content": "step two",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update note: %d %v", resp.StatusCode, body)
	}
	note := body["note"].(map[string]any)
	if note["title"] != "Plans" || note["content"] != "step two" {
		t.Fatalf("partial update should keep title: %v", note)
	}

	// Not shared yet: bob is denied.
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/notes/"+noteID, viewerToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unshared read: %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/notes/"+noteID+"/share", ownerToken, map[string]any{
		"username": "bob",
		"role":     "viewer",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("share: %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/notes/"+noteID, viewerToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("shared read: %d %v", resp.StatusCode, body)
	}
	if body["note"].(map[string]any)["role"] != "viewer" {
		t.Fatalf("expected viewer role in payload: %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/notes/shared", viewerToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("shared list: %d %v", resp.StatusCode, body)
	}
	sharedNotes := body["notes"].([]any)
	if len(sharedNotes) != 1 || sharedNotes[0].(map[string]any)["owner"] != "ada" {
		t.Fatalf("unexpected shared list: %v", sharedNotes)
	}

	// Viewer cannot write or delete.
	resp, _ = doJSON(t, http.MethodPut, server.URL+"/api/notes/"+noteID, viewerToken, map[string]any{"title": "nope"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer write: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, server.URL+"/api/notes/"+noteID, viewerToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer delete: %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, server.URL+"/api/notes/"+noteID+"/share/bob", ownerToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unshare: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, server.URL+"/api/notes/"+noteID, ownerToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner delete: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/notes/"+noteID, ownerToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted note read: %d", resp.StatusCode)
	}
}

func TestShareValidationOverHTTP(t *testing.T) {
	server := newTestServer(t)

	ownerToken, _ := registerHTTP(t, server, "ada@example.com", "ada")
	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/notes", ownerToken, map[string]any{"title": "Plans"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create note: %d", resp.StatusCode)
	}
	noteID := body["note"].(map[string]any)["id"].(string)

	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/notes/"+noteID+"/share", ownerToken, map[string]any{
		"role": "viewer",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity || body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("missing username: %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/notes/"+noteID+"/share", ownerToken, map[string]any{
		"username": "ada",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("self share: %d %v", resp.StatusCode, body)
	}
}

func TestFolderEndpoints(t *testing.T) {
	server := newTestServer(t)

	token, _ := registerHTTP(t, server, "ada@example.com", "ada")

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/folders", token, map[string]any{"name": "Work"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create folder: %d %v", resp.StatusCode, body)
	}
	folderID := body["folder"].(map[string]any)["id"].(string)

	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/notes", token, map[string]any{
		"title":    "In folder",
		"folderId": folderID,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create note in folder: %d %v", resp.StatusCode, body)
	}
	noteID := body["note"].(map[string]any)["id"].(string)

	resp, body = doJSON(t, http.MethodGet, server.URL+"/api/folders", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list folders: %d", resp.StatusCode)
	}
	folders := body["folders"].([]any)
	if len(folders) != 1 || folders[0].(map[string]any)["noteCount"] != float64(1) {
		t.Fatalf("unexpected folders: %v", folders)
	}

	// Detach via null folderId.
	resp, _ = doJSON(t, http.MethodPut, server.URL+"/api/notes/"+noteID, token, map[string]any{"folderId": nil})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detach note: %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, server.URL+"/api/folders/"+folderID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete folder: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/folders/"+folderID, token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted folder read: %d", resp.StatusCode)
	}
}

func TestRefreshEndpointRotates(t *testing.T) {
	server := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, server.URL+"/api/auth/register", "", map[string]any{
		"email":    "ada@example.com",
		"username": "ada",
		"password": "correct horse battery",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %v", resp.StatusCode, body)
	}
	refresh := body["refreshToken"].(string)

	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/auth/refresh", "", map[string]any{"refreshToken": refresh})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, server.URL+"/api/auth/refresh", "", map[string]any{"refreshToken": refresh})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed refresh: %d %v", resp.StatusCode, body)
	}
}
