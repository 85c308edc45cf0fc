// Puzzle game HTTP surface
//
// Clients identify themselves with an X-Session-ID header. GET /image is
// the entry point: it always yields a usable session (minting a new one
// when the token is missing, unknown, or expired) and doubles as the
// opportunistic sweep point for expired sessions and old renders. Every
// other puzzle endpoint expects continuity and answers 400 with
// session_expired when the token no longer resolves.

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

const sessionHeader = "X-Session-ID"

type errorResponse struct {
	Error          string `json:"error"`
	SessionExpired bool   `json:"session_expired,omitempty"`
}

type imageResponse struct {
	ImageURL  string    `json:"image_url"`
	Metadata  ImageMeta `json:"metadata"`
	StartTime string    `json:"start_time"`
	SessionID string    `json:"session_id"`
}

type shuffleResponse struct {
	ShuffledImageURL string `json:"shuffled_image_url"`
	GridSize         int    `json:"grid_size"`
}

type swapResponse struct {
	UpdatedImageURL string `json:"updated_image_url"`
}

type validateResponse struct {
	IsCorrect bool `json:"is_correct"`
}

type questionsResponse struct {
	Questions []Question `json:"questions"`
}

type answerSubmission struct {
	Index  *int   `json:"index"`
	Answer string `json:"answer"`
}

type answerDetail struct {
	Question      string `json:"question"`
	PlayerAnswer  string `json:"player_answer"`
	CorrectAnswer string `json:"correct_answer"`
	IsCorrect     bool   `json:"is_correct"`
}

type checkAnswersResponse struct {
	Score          int            `json:"score"`
	TotalQuestions int            `json:"total_questions"`
	Details        []answerDetail `json:"details"`
}

type nextLevelResponse struct {
	Message string  `json:"message"`
	Level   *string `json:"level"`
}

type registerResponse struct {
	Message         string   `json:"message"`
	PlayerID        string   `json:"player_id"`
	Username        string   `json:"username"`
	IsReturning     bool     `json:"is_returning"`
	TotalScore      int      `json:"total_score"`
	NextLevel       string   `json:"next_level"`
	CompletedLevels []string `json:"completed_levels"`
	CountdownTime   int      `json:"countdown_time"`
}

type saveScoreResponse struct {
	Message       string  `json:"message"`
	TotalScore    int     `json:"total_score"`
	WeightedScore float64 `json:"weighted_score"`
	Timestamp     string  `json:"timestamp"`
	StartTime     string  `json:"start_time"`
}

type winnerResponse struct {
	Winners  []WinnerRecord `json:"winners"`
	MaxScore int            `json:"max_score"`
}

func respondJSON(cfg *Config, w http.ResponseWriter, status int, payload any, errs chan<- error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	securityHeaders(cfg, w)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		errs <- err
	}
}

func respondError(cfg *Config, w http.ResponseWriter, status int, message string, errs chan<- error) {
	respondJSON(cfg, w, status, errorResponse{Error: message}, errs)
}

// sessionFor resolves the request token against the registry, requiring
// continuity. On failure it writes the session_expired response itself
// and returns ok=false.
func sessionFor(cfg *Config, registry *SessionRegistry, w http.ResponseWriter, r *http.Request, errs chan<- error) (*Session, bool) {
	token := r.Header.Get(sessionHeader)

	s, ok := registry.lookup(token)
	if !ok {
		respondJSON(cfg, w, http.StatusBadRequest, errorResponse{
			Error:          errSessionExpired.Error() + ". Please refresh the page to start a new game.",
			SessionExpired: true,
		}, errs)
		return nil, false
	}

	return s, true
}

func (c *Config) tempURL(name string) string {
	return c.prefix + "/static/images/temp/" + name
}

func serveImage(cfg *Config, registry *SessionRegistry, catalog *Catalog, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		// Lazy eviction: expired sessions and old renders go here,
		// off any session's critical path.
		if swept := registry.sweep(); swept > 0 {
			logf(cfg, "SWEEP: Removed %d expired sessions", swept)
		}
		if reaped := reapArtifacts(cfg); reaped > 0 {
			logf(cfg, "REAP: Removed %d old rendered images", reaped)
		}

		s, _ := registry.resolve(r.Header.Get(sessionHeader))

		s.mu.Lock()
		defer s.mu.Unlock()

		imageName, err := catalog.randomImage(s.level)
		if err != nil {
			respondError(cfg, w, http.StatusNotFound, "no images available in the current level", errs)
			return
		}

		if _, err := os.Stat(filepath.Join(cfg.imageDir(), s.level, imageName)); err != nil {
			respondError(cfg, w, http.StatusNotFound, errImageNotFound.Error(), errs)
			return
		}

		s.imageName = imageName
		if s.startTime.IsZero() {
			s.startTime = time.Now()
		}

		meta, _ := catalog.meta(s.level, imageName)

		respondJSON(cfg, w, http.StatusOK, imageResponse{
			ImageURL:  cfg.prefix + "/static/images/" + s.level + "/" + imageName,
			Metadata:  meta,
			StartTime: s.startTime.Format(time.RFC3339),
			SessionID: s.token,
		}, errs)

		logf(cfg, "SERVE: Image %s/%s to %s in %s",
			s.level,
			imageName,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveShuffle(cfg *Config, settings *Settings, registry *SessionRegistry, catalog *Catalog, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		s, ok := sessionFor(cfg, registry, w, r, errs)
		if !ok {
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.imageName == "" {
			respondError(cfg, w, http.StatusBadRequest, "no image selected, load an image first", errs)
			return
		}
		if _, ok := catalog.meta(s.level, s.imageName); !ok {
			respondError(cfg, w, http.StatusBadRequest, errLevelNotFound.Error(), errs)
			return
		}

		src, err := loadSourceImage(cfg, s.level, s.imageName)
		if err != nil {
			if errors.Is(err, errImageNotFound) {
				respondError(cfg, w, http.StatusNotFound, errImageNotFound.Error(), errs)
			} else {
				respondError(cfg, w, http.StatusInternalServerError, "failed to load image", errs)
				errs <- err
			}
			return
		}

		gridSize := settings.grid()

		arrangement, err := newArrangement(src, gridSize)
		if err != nil {
			respondError(cfg, w, http.StatusBadRequest, err.Error(), errs)
			return
		}
		arrangement.shuffle()
		s.arrangement = arrangement

		name, err := writeArtifact(cfg, "shuffled", s, arrangement.render())
		if err != nil {
			respondError(cfg, w, http.StatusInternalServerError, "failed to create shuffled image", errs)
			errs <- err
			return
		}

		respondJSON(cfg, w, http.StatusOK, shuffleResponse{
			ShuffledImageURL: cfg.tempURL(name),
			GridSize:         gridSize,
		}, errs)

		logf(cfg, "GAME: Shuffled %s/%s (%dx%d) for %s in %s",
			s.level,
			s.imageName,
			gridSize,
			gridSize,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveSwap(cfg *Config, registry *SessionRegistry, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		s, ok := sessionFor(cfg, registry, w, r, errs)
		if !ok {
			return
		}

		index1, err1 := strconv.Atoi(r.PostFormValue("index1"))
		index2, err2 := strconv.Atoi(r.PostFormValue("index2"))
		if err1 != nil || err2 != nil {
			respondError(cfg, w, http.StatusBadRequest, errInvalidTileIndex.Error(), errs)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.arrangement == nil {
			respondError(cfg, w, http.StatusBadRequest, errNoActivePuzzle.Error(), errs)
			return
		}

		if err := s.arrangement.swap(index1, index2); err != nil {
			respondError(cfg, w, http.StatusBadRequest, err.Error(), errs)
			return
		}

		name, err := writeArtifact(cfg, "updated", s, s.arrangement.render())
		if err != nil {
			respondError(cfg, w, http.StatusInternalServerError, "failed to create updated image", errs)
			errs <- err
			return
		}

		respondJSON(cfg, w, http.StatusOK, swapResponse{
			UpdatedImageURL: cfg.tempURL(name),
		}, errs)

		logf(cfg, "GAME: Swapped tiles %d<->%d for %s in %s",
			index1,
			index2,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveValidate(cfg *Config, registry *SessionRegistry, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s, ok := sessionFor(cfg, registry, w, r, errs)
		if !ok {
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.arrangement == nil {
			respondError(cfg, w, http.StatusBadRequest, errNoActivePuzzle.Error(), errs)
			return
		}

		respondJSON(cfg, w, http.StatusOK, validateResponse{
			IsCorrect: s.arrangement.solved(),
		}, errs)
	}
}

func serveQuestions(cfg *Config, registry *SessionRegistry, catalog *Catalog, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s, ok := sessionFor(cfg, registry, w, r, errs)
		if !ok {
			return
		}

		s.mu.Lock()
		level, imageName := s.level, s.imageName
		s.mu.Unlock()

		if imageName == "" {
			respondError(cfg, w, http.StatusBadRequest, "no image or level selected", errs)
			return
		}

		meta, found := catalog.meta(level, imageName)
		if !found {
			respondError(cfg, w, http.StatusNotFound, "image data not found", errs)
			return
		}

		respondJSON(cfg, w, http.StatusOK, questionsResponse{
			Questions: meta.Questions,
		}, errs)
	}
}

func serveCheckAnswers(cfg *Config, registry *SessionRegistry, catalog *Catalog, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s, ok := sessionFor(cfg, registry, w, r, errs)
		if !ok {
			return
		}

		s.mu.Lock()
		level, imageName := s.level, s.imageName
		s.mu.Unlock()

		if imageName == "" {
			respondError(cfg, w, http.StatusBadRequest, "no image selected", errs)
			return
		}

		meta, found := catalog.meta(level, imageName)
		if !found {
			respondError(cfg, w, http.StatusNotFound, "image data not found", errs)
			return
		}

		var body struct {
			Answers []answerSubmission `json:"answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(cfg, w, http.StatusBadRequest, "invalid request body", errs)
			return
		}

		score := 0
		details := make([]answerDetail, 0, len(body.Answers))

		for _, submitted := range body.Answers {
			if submitted.Index == nil || *submitted.Index < 0 || *submitted.Index >= len(meta.Questions) {
				continue
			}
			question := meta.Questions[*submitted.Index]
			correct := submitted.Answer == question.Answer
			if correct {
				score++
			}
			details = append(details, answerDetail{
				Question:      question.Question,
				PlayerAnswer:  submitted.Answer,
				CorrectAnswer: question.Answer,
				IsCorrect:     correct,
			})
		}

		respondJSON(cfg, w, http.StatusOK, checkAnswersResponse{
			Score:          score,
			TotalQuestions: len(meta.Questions),
			Details:        details,
		}, errs)
	}
}

func serveNextLevel(cfg *Config, registry *SessionRegistry, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		s, ok := sessionFor(cfg, registry, w, r, errs)
		if !ok {
			return
		}

		s.mu.Lock()
		next, completed := registry.advanceLevel(s)
		s.mu.Unlock()

		if completed {
			respondJSON(cfg, w, http.StatusOK, nextLevelResponse{
				Message: "You have completed all levels!",
				Level:   nil,
			}, errs)
			return
		}

		respondJSON(cfg, w, http.StatusOK, nextLevelResponse{
			Message: "Progressed to the next level",
			Level:   &next,
		}, errs)

		logf(cfg, "GAME: Session %s advanced to %s", s.token[:8], next)
	}
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z ]+$`)

func serveRegister(cfg *Config, settings *Settings, catalog *Catalog, store *ScoreStore, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		username := strings.TrimSpace(r.PostFormValue("username"))

		if len(username) < 3 {
			respondError(cfg, w, http.StatusBadRequest, "username must be at least 3 characters long", errs)
			return
		}
		if !usernamePattern.MatchString(username) {
			respondError(cfg, w, http.StatusBadRequest, "username must contain only letters (a-z, A-Z)", errs)
			return
		}

		existing, found, err := store.playerByUsername(username)
		if err != nil {
			respondError(cfg, w, http.StatusInternalServerError, "registration failed", errs)
			errs <- err
			return
		}

		if found {
			completed, next, err := store.progress(existing.PlayerID, catalog.levelNames())
			if err != nil {
				respondError(cfg, w, http.StatusInternalServerError, "registration failed", errs)
				errs <- err
				return
			}
			if completed == nil {
				completed = []string{}
			}

			respondJSON(cfg, w, http.StatusOK, registerResponse{
				Message:         "Welcome back! Resuming your game.",
				PlayerID:        existing.PlayerID,
				Username:        username,
				IsReturning:     true,
				TotalScore:      existing.TotalScore,
				NextLevel:       next,
				CompletedLevels: completed,
				CountdownTime:   settings.countdownSeconds(),
			}, errs)
			return
		}

		playerID := uuid.NewString()
		if err := store.registerPlayer(playerID, username); err != nil {
			respondError(cfg, w, http.StatusBadRequest, err.Error(), errs)
			return
		}

		nextLevel := ""
		if levels := catalog.levelNames(); len(levels) > 0 {
			nextLevel = levels[0]
		}

		respondJSON(cfg, w, http.StatusOK, registerResponse{
			Message:         "Player registered successfully",
			PlayerID:        playerID,
			Username:        username,
			IsReturning:     false,
			TotalScore:      0,
			NextLevel:       nextLevel,
			CompletedLevels: []string{},
			CountdownTime:   settings.countdownSeconds(),
		}, errs)

		logf(cfg, "GAME: Registered player %q from %s", username, realIP(r))
	}
}

func serveSaveScore(cfg *Config, registry *SessionRegistry, store *ScoreStore, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var body struct {
			PlayerID string `json:"player_id"`
			Level    string `json:"level"`
			Score    *int   `json:"score"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PlayerID == "" || body.Level == "" || body.Score == nil {
			respondError(cfg, w, http.StatusBadRequest, "invalid data", errs)
			return
		}

		weighted, err := weightedScore(body.Level, *body.Score)
		if err != nil {
			respondError(cfg, w, http.StatusBadRequest, "invalid level: "+body.Level, errs)
			return
		}

		total, err := store.saveScore(body.PlayerID, body.Level, int(weighted))
		if err != nil {
			respondError(cfg, w, http.StatusInternalServerError, "failed to save score", errs)
			errs <- err
			return
		}

		// Session is optional here; the score is already attributed to
		// the registered player, not the puzzle session.
		sessionStart := "Not available"
		if s, ok := registry.lookup(r.Header.Get(sessionHeader)); ok {
			s.mu.Lock()
			if !s.startTime.IsZero() {
				sessionStart = s.startTime.Format(time.RFC3339)
			}
			s.mu.Unlock()
		}

		respondJSON(cfg, w, http.StatusOK, saveScoreResponse{
			Message:       "Score saved",
			TotalScore:    total,
			WeightedScore: weighted,
			Timestamp:     time.Now().Format(time.RFC3339),
			StartTime:     sessionStart,
		}, errs)
	}
}

func serveWinner(cfg *Config, store *ScoreStore, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		winners, err := store.winners()
		if err != nil {
			respondError(cfg, w, http.StatusInternalServerError, "failed to load winners", errs)
			errs <- err
			return
		}

		if len(winners) == 0 {
			respondJSON(cfg, w, http.StatusOK, map[string]string{"message": "No players found"}, errs)
			return
		}

		respondJSON(cfg, w, http.StatusOK, winnerResponse{
			Winners:  winners,
			MaxScore: winners[0].TotalScore,
		}, errs)
	}
}

// registerGame wires every puzzle route onto the shared router.
func registerGame(cfg *Config, settings *Settings, registry *SessionRegistry, catalog *Catalog, store *ScoreStore, mux *httprouter.Router, errs chan<- error) {
	mux.GET(cfg.prefix+"/image", serveImage(cfg, registry, catalog, errs))
	mux.POST(cfg.prefix+"/shuffle", serveShuffle(cfg, settings, registry, catalog, errs))
	mux.POST(cfg.prefix+"/swap", serveSwap(cfg, registry, errs))
	mux.POST(cfg.prefix+"/validate", serveValidate(cfg, registry, errs))
	mux.GET(cfg.prefix+"/questions", serveQuestions(cfg, registry, catalog, errs))
	mux.POST(cfg.prefix+"/check_answers", serveCheckAnswers(cfg, registry, catalog, errs))
	mux.POST(cfg.prefix+"/next_level", serveNextLevel(cfg, registry, errs))
	mux.POST(cfg.prefix+"/register", serveRegister(cfg, settings, catalog, store, errs))
	mux.POST(cfg.prefix+"/save_score", serveSaveScore(cfg, registry, store, errs))
	mux.GET(cfg.prefix+"/winner", serveWinner(cfg, store, errs))
}
