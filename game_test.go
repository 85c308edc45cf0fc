package main

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type testGame struct {
	cfg      *Config
	settings *Settings
	registry *SessionRegistry
	srv      *httptest.Server
}

func newTestGame(t *testing.T) *testGame {
	t.Helper()

	dataDir := t.TempDir()
	cfg := &Config{
		adminPassword:  "secret",
		artifactMaxAge: 24 * time.Hour,
		countdown:      3,
		dataDir:        dataDir,
		dbPath:         filepath.Join(dataDir, "test.db"),
		gridSize:       4,
		sessionTimeout: time.Hour,
	}

	if err := ensureDirs(cfg); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.catalogPath(), []byte(testCatalogJSON), 0644); err != nil {
		t.Fatal(err)
	}

	for level, names := range map[string][]string{
		"level_1": {"heart.jpg", "brain.jpg"},
		"level_2": {"lung.jpg"},
	} {
		dir := filepath.Join(cfg.imageDir(), level)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for _, name := range names {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, gradientImage(512), nil); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0644); err != nil {
				t.Fatal(err)
			}
		}
	}

	catalog, err := loadCatalog(cfg.catalogPath())
	if err != nil {
		t.Fatal(err)
	}
	store, err := openScoreStore(cfg.dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	settings := newSettings(cfg)
	registry := newSessionRegistry(catalog.levelNames, cfg.sessionTimeout)

	errs := make(chan error, 64)
	go func() {
		for range errs {
		}
	}()

	mux := httprouter.New()
	registerGame(cfg, settings, registry, catalog, store, mux, errs)
	registerAdmin(cfg, settings, registry, catalog, store, mux, errs)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testGame{cfg: cfg, settings: settings, registry: registry, srv: srv}
}

// request performs one HTTP call against the test server, decoding the
// JSON response into out when out is non-nil.
func (g *testGame) request(t *testing.T, method, path, token string, body string, contentType string, out any) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, g.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set(sessionHeader, token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, path, err)
		}
	}

	return resp
}

func (g *testGame) newSession(t *testing.T) string {
	t.Helper()

	var img imageResponse
	resp := g.request(t, http.MethodGet, "/image", "", "", "", &img)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /image status = %d", resp.StatusCode)
	}
	if img.SessionID == "" {
		t.Fatal("GET /image returned no session id")
	}
	return img.SessionID
}

func TestServeImage(t *testing.T) {
	g := newTestGame(t)

	var img imageResponse
	resp := g.request(t, http.MethodGet, "/image", "", "", "", &img)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if !strings.HasPrefix(img.ImageURL, "/static/images/level_1/") {
		t.Fatalf("image_url = %q", img.ImageURL)
	}
	if img.Metadata.Organ == "" && len(img.Metadata.Questions) == 0 {
		t.Fatalf("empty metadata: %+v", img.Metadata)
	}

	// Presenting the token again keeps the session.
	var second imageResponse
	g.request(t, http.MethodGet, "/image", img.SessionID, "", "", &second)
	if second.SessionID != img.SessionID {
		t.Fatalf("session changed across requests: %q != %q", second.SessionID, img.SessionID)
	}
}

func TestShuffleSwapValidateFlow(t *testing.T) {
	g := newTestGame(t)
	token := g.newSession(t)

	var shuffled shuffleResponse
	resp := g.request(t, http.MethodPost, "/shuffle", token, "", "", &shuffled)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /shuffle status = %d", resp.StatusCode)
	}
	if shuffled.GridSize != 4 {
		t.Fatalf("grid_size = %d, want 4", shuffled.GridSize)
	}

	name := strings.TrimPrefix(shuffled.ShuffledImageURL, "/static/images/temp/")
	if _, err := os.Stat(filepath.Join(g.cfg.tempDir(), name)); err != nil {
		t.Fatalf("shuffled artifact missing on disk: %v", err)
	}

	// Put the puzzle one swap away from solved, then solve it.
	s, ok := g.registry.lookup(token)
	if !ok {
		t.Fatal("session vanished")
	}
	s.mu.Lock()
	s.arrangement.current = []int{3, 1, 2, 0, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	s.mu.Unlock()

	form := url.Values{"index1": {"0"}, "index2": {"3"}}.Encode()
	var swapped swapResponse
	resp = g.request(t, http.MethodPost, "/swap", token, form, "application/x-www-form-urlencoded", &swapped)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /swap status = %d", resp.StatusCode)
	}
	if swapped.UpdatedImageURL == "" {
		t.Fatal("swap returned no image url")
	}

	var validated validateResponse
	resp = g.request(t, http.MethodPost, "/validate", token, "", "", &validated)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /validate status = %d", resp.StatusCode)
	}
	if !validated.IsCorrect {
		t.Fatal("puzzle should be solved after swap(0,3)")
	}
}

func TestShuffleWithoutSession(t *testing.T) {
	g := newTestGame(t)

	var errResp errorResponse
	resp := g.request(t, http.MethodPost, "/shuffle", "", "", "", &errResp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !errResp.SessionExpired {
		t.Fatalf("expected session_expired response, got %+v", errResp)
	}
}

func TestSwapWithoutPuzzle(t *testing.T) {
	g := newTestGame(t)
	token := g.newSession(t)

	form := url.Values{"index1": {"0"}, "index2": {"1"}}.Encode()
	var errResp errorResponse
	resp := g.request(t, http.MethodPost, "/swap", token, form, "application/x-www-form-urlencoded", &errResp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(errResp.Error, "no active puzzle") {
		t.Fatalf("error = %q", errResp.Error)
	}
}

func TestSwapInvalidIndices(t *testing.T) {
	g := newTestGame(t)
	token := g.newSession(t)

	g.request(t, http.MethodPost, "/shuffle", token, "", "", nil)

	for _, form := range []url.Values{
		{"index1": {"-1"}, "index2": {"0"}},
		{"index1": {"0"}, "index2": {"99"}},
		{"index1": {"abc"}, "index2": {"0"}},
	} {
		resp := g.request(t, http.MethodPost, "/swap", token, form.Encode(), "application/x-www-form-urlencoded", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("swap %v status = %d, want 400", form, resp.StatusCode)
		}
	}
}

func TestSwapIsSelfInverseOverHTTP(t *testing.T) {
	g := newTestGame(t)
	token := g.newSession(t)

	g.request(t, http.MethodPost, "/shuffle", token, "", "", nil)

	s, _ := g.registry.lookup(token)
	s.mu.Lock()
	before := append([]int(nil), s.arrangement.current...)
	s.mu.Unlock()

	form := url.Values{"index1": {"2"}, "index2": {"7"}}.Encode()
	for i := 0; i < 2; i++ {
		resp := g.request(t, http.MethodPost, "/swap", token, form, "application/x-www-form-urlencoded", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("swap %d status = %d", i, resp.StatusCode)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range before {
		if s.arrangement.current[i] != before[i] {
			t.Fatalf("double swap changed arrangement: %v != %v", s.arrangement.current, before)
		}
	}
}

func TestQuestionsAndCheckAnswers(t *testing.T) {
	g := newTestGame(t)
	token := g.newSession(t)

	var questions questionsResponse
	resp := g.request(t, http.MethodGet, "/questions", token, "", "", &questions)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /questions status = %d", resp.StatusCode)
	}

	answers := make([]map[string]any, 0, len(questions.Questions))
	for i, q := range questions.Questions {
		answers = append(answers, map[string]any{"index": i, "answer": q.Answer})
	}
	body, _ := json.Marshal(map[string]any{"answers": answers})

	var checked checkAnswersResponse
	resp = g.request(t, http.MethodPost, "/check_answers", token, string(body), "application/json", &checked)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /check_answers status = %d", resp.StatusCode)
	}
	if checked.Score != len(questions.Questions) {
		t.Fatalf("score = %d, want %d", checked.Score, len(questions.Questions))
	}
	for _, d := range checked.Details {
		if !d.IsCorrect {
			t.Fatalf("correct answer marked wrong: %+v", d)
		}
	}
}

func TestNextLevelProgression(t *testing.T) {
	g := newTestGame(t)
	token := g.newSession(t)

	var first nextLevelResponse
	resp := g.request(t, http.MethodPost, "/next_level", token, "", "", &first)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /next_level status = %d", resp.StatusCode)
	}
	if first.Level == nil || *first.Level != "level_2" {
		t.Fatalf("level = %v, want level_2", first.Level)
	}

	var second nextLevelResponse
	g.request(t, http.MethodPost, "/next_level", token, "", "", &second)
	if second.Level != nil {
		t.Fatalf("final advance should leave level unset, got %q", *second.Level)
	}
	if !strings.Contains(second.Message, "completed") {
		t.Fatalf("message = %q", second.Message)
	}
}

func TestRegisterAndScoreFlow(t *testing.T) {
	g := newTestGame(t)

	form := url.Values{"username": {"Alice"}}.Encode()
	var registered registerResponse
	resp := g.request(t, http.MethodPost, "/register", "", form, "application/x-www-form-urlencoded", &registered)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /register status = %d", resp.StatusCode)
	}
	if registered.IsReturning || registered.PlayerID == "" {
		t.Fatalf("unexpected registration: %+v", registered)
	}
	if registered.NextLevel != "level_1" {
		t.Fatalf("next_level = %q, want level_1", registered.NextLevel)
	}

	body, _ := json.Marshal(map[string]any{
		"player_id": registered.PlayerID,
		"level":     "level_1",
		"score":     3,
	})
	var saved saveScoreResponse
	resp = g.request(t, http.MethodPost, "/save_score", "", string(body), "application/json", &saved)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /save_score status = %d", resp.StatusCode)
	}
	if saved.WeightedScore != 10 || saved.TotalScore != 10 {
		t.Fatalf("weighted = %v, total = %d, want 10/10", saved.WeightedScore, saved.TotalScore)
	}

	// Re-registering the same username resumes.
	var resumed registerResponse
	g.request(t, http.MethodPost, "/register", "", form, "application/x-www-form-urlencoded", &resumed)
	if !resumed.IsReturning || resumed.TotalScore != 10 {
		t.Fatalf("resume = %+v", resumed)
	}
	if resumed.NextLevel != "level_2" {
		t.Fatalf("resume next_level = %q, want level_2", resumed.NextLevel)
	}

	var winners winnerResponse
	g.request(t, http.MethodGet, "/winner", "", "", "", &winners)
	if len(winners.Winners) != 1 || winners.Winners[0].Username != "Alice" {
		t.Fatalf("winners = %+v", winners)
	}
}

func TestRegisterValidation(t *testing.T) {
	g := newTestGame(t)

	for _, username := range []string{"", "ab", "bad-name1", "   "} {
		form := url.Values{"username": {username}}.Encode()
		resp := g.request(t, http.MethodPost, "/register", "", form, "application/x-www-form-urlencoded", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("register %q status = %d, want 400", username, resp.StatusCode)
		}
	}
}

func TestAdminConfig(t *testing.T) {
	g := newTestGame(t)

	form := url.Values{"grid_size": {"5"}, "password": {"wrong"}}.Encode()
	resp := g.request(t, http.MethodPost, "/admin/config", "", form, "application/x-www-form-urlencoded", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", resp.StatusCode)
	}

	form = url.Values{"grid_size": {"5"}, "countdown_time": {"10"}, "password": {"secret"}}.Encode()
	resp = g.request(t, http.MethodPost, "/admin/config", "", form, "application/x-www-form-urlencoded", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config update status = %d", resp.StatusCode)
	}

	if g.settings.grid() != 5 || g.settings.countdownSeconds() != 10 {
		t.Fatalf("settings = (%d, %d), want (5, 10)", g.settings.grid(), g.settings.countdownSeconds())
	}

	// The new grid size applies to the next shuffle.
	token := g.newSession(t)
	var shuffled shuffleResponse
	g.request(t, http.MethodPost, "/shuffle", token, "", "", &shuffled)
	if shuffled.GridSize != 5 {
		t.Fatalf("grid_size after config change = %d, want 5", shuffled.GridSize)
	}

	form = url.Values{"grid_size": {"12"}, "password": {"secret"}}.Encode()
	resp = g.request(t, http.MethodPost, "/admin/config", "", form, "application/x-www-form-urlencoded", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out-of-range grid status = %d, want 400", resp.StatusCode)
	}
}

func TestAdminClearSession(t *testing.T) {
	g := newTestGame(t)
	token := g.newSession(t)

	form := url.Values{"session_id": {token}, "password": {"secret"}}.Encode()
	resp := g.request(t, http.MethodPost, "/admin/clear_session", "", form, "application/x-www-form-urlencoded", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear_session status = %d", resp.StatusCode)
	}

	if _, ok := g.registry.lookup(token); ok {
		t.Fatal("session still live after admin clear")
	}
}

func (g *testGame) uploadImage(t *testing.T, level, filename string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("password", "secret"); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("level", level); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if err := jpeg.Encode(fw, gradientImage(64), nil); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	return g.request(t, http.MethodPost, "/admin/upload", "", buf.String(), mw.FormDataContentType(), nil)
}

func TestAdminUpload(t *testing.T) {
	g := newTestGame(t)

	resp := g.uploadImage(t, "level_3", "kidney.jpg")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}

	saved := filepath.Join(g.cfg.imageDir(), "level_3", "kidney.jpg")
	if _, err := os.Stat(saved); err != nil {
		t.Fatalf("uploaded image not saved: %v", err)
	}

	// The new level joins progression without a restart.
	token := g.newSession(t)
	for _, want := range []string{"level_2", "level_3"} {
		var next nextLevelResponse
		g.request(t, http.MethodPost, "/next_level", token, "", "", &next)
		if next.Level == nil || *next.Level != want {
			t.Fatalf("next_level = %v, want %s", next.Level, want)
		}
	}
}

func TestAdminUploadRejectsTraversal(t *testing.T) {
	g := newTestGame(t)

	for _, level := range []string{"../..", "..", "a/b", "."} {
		resp := g.uploadImage(t, level, "escape.jpg")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("upload with level %q status = %d, want 400", level, resp.StatusCode)
		}
	}

	if _, err := os.Stat(filepath.Join(g.cfg.dataDir, "escape.jpg")); !os.IsNotExist(err) {
		t.Fatal("upload escaped the images directory")
	}
}

func TestJoinQR(t *testing.T) {
	g := newTestGame(t)

	resp, err := http.Get(g.srv.URL + "/qr")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /qr status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "image/png" {
		t.Fatalf("content type = %q, want image/png", got)
	}
}

func TestAdminLiveMonitor(t *testing.T) {
	g := newTestGame(t)
	g.newSession(t)

	wsURL := "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/admin/live?password=secret"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	var stats registryStats
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&stats); err != nil {
		t.Fatalf("reading stats: %v", err)
	}
	if stats.ActiveSessions != 1 {
		t.Fatalf("active_sessions = %d, want 1", stats.ActiveSessions)
	}
	if stats.ByLevel["level_1"] != 1 {
		t.Fatalf("by_level = %v", stats.ByLevel)
	}
}
