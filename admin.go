// Admin surface
//
// Everything here sits behind a single shared secret, passed as a form
// value or query parameter. The admin page manages runtime settings
// (grid size, countdown), image uploads into levels, winner selection,
// and a live WebSocket monitor of the session registry.

package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

func adminAuthorized(cfg *Config, r *http.Request) bool {
	password := r.PostFormValue("password")
	if password == "" {
		password = r.URL.Query().Get("password")
	}
	return password == cfg.adminPassword
}

const adminLoginHTML = `<!DOCTYPE html>
<html lang="en">
<head><title>Admin Login</title></head>
<body>
<h1>Admin Login</h1>
<form method="get" action="admin">
<input type="password" name="password" placeholder="Enter admin password" required>
<button type="submit">Login</button>
</form>
</body>
</html>`

const adminPanelHTML = `<!DOCTYPE html>
<html lang="en">
<head><title>Puzzle Admin</title></head>
<body>
<h1>Puzzle Admin</h1>
<h2>Game settings</h2>
<form method="post" action="admin/config">
<input type="hidden" name="password" value="%[1]s">
<label>Grid size <input type="number" name="grid_size" min="2" max="10"></label>
<label>Countdown <input type="number" name="countdown_time" min="0" max="60"></label>
<button type="submit">Update</button>
</form>
<h2>Upload image</h2>
<form method="post" action="admin/upload" enctype="multipart/form-data">
<input type="hidden" name="password" value="%[1]s">
<input type="file" name="file" required>
<input type="text" name="level" placeholder="level_1" required>
<button type="submit">Upload</button>
</form>
<h2>Winners</h2>
<form method="post" action="select_winner">
<input type="hidden" name="password" value="%[1]s">
<button type="submit">Select winner</button>
</form>
</body>
</html>`

func serveAdminPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		if !adminAuthorized(cfg, r) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, adminLoginHTML)
			return
		}

		_, _ = fmt.Fprintf(w, adminPanelHTML, r.URL.Query().Get("password"))
	}
}

func serveAdminConfig(cfg *Config, settings *Settings, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if !adminAuthorized(cfg, r) {
			respondError(cfg, w, http.StatusUnauthorized, "unauthorized", errs)
			return
		}

		var messages []string

		if raw := r.PostFormValue("grid_size"); raw != "" {
			size, err := strconv.Atoi(raw)
			if err != nil || settings.setGrid(size) != nil {
				respondError(cfg, w, http.StatusBadRequest,
					fmt.Sprintf("grid size must be between %d and %d", minGridSize, maxGridSize), errs)
				return
			}
			messages = append(messages, fmt.Sprintf("Grid size updated to %dx%d", size, size))
			logf(cfg, "ADMIN: Grid size set to %d by %s", size, realIP(r))
		}

		if raw := r.PostFormValue("countdown_time"); raw != "" {
			seconds, err := strconv.Atoi(raw)
			if err != nil || settings.setCountdown(seconds) != nil {
				respondError(cfg, w, http.StatusBadRequest, "countdown time must be between 0 and 60 seconds", errs)
				return
			}
			messages = append(messages, fmt.Sprintf("Countdown time updated to %ds", seconds))
			logf(cfg, "ADMIN: Countdown set to %ds by %s", seconds, realIP(r))
		}

		respondJSON(cfg, w, http.StatusOK, map[string]string{"message": strings.Join(messages, ", ")}, errs)
	}
}

func serveAdminUpload(cfg *Config, catalog *Catalog, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			respondError(cfg, w, http.StatusBadRequest, "invalid upload", errs)
			return
		}

		if !adminAuthorized(cfg, r) {
			respondError(cfg, w, http.StatusUnauthorized, "unauthorized", errs)
			return
		}

		// The level names a single directory under imageDir; reject
		// anything with separators or dot components.
		level := r.PostFormValue("level")
		if level == "" || level != filepath.Base(level) || level == "." || level == ".." {
			respondError(cfg, w, http.StatusBadRequest, "invalid level", errs)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			respondError(cfg, w, http.StatusBadRequest, "missing file", errs)
			return
		}
		defer file.Close()

		// Uploads are referenced by bare name in the catalog; reject
		// anything that could escape the level directory.
		name := filepath.Base(header.Filename)
		if name == "." || name == ".." || name == "/" {
			respondError(cfg, w, http.StatusBadRequest, "invalid file name", errs)
			return
		}

		dir := filepath.Join(cfg.imageDir(), level)
		if err := os.MkdirAll(dir, 0755); err != nil {
			respondError(cfg, w, http.StatusInternalServerError, "failed to save file", errs)
			errs <- err
			return
		}

		dst, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			respondError(cfg, w, http.StatusInternalServerError, "failed to save file", errs)
			errs <- err
			return
		}
		defer dst.Close()

		if _, err := io.Copy(dst, file); err != nil {
			respondError(cfg, w, http.StatusInternalServerError, "failed to save file", errs)
			errs <- err
			return
		}

		placeholder := ImageMeta{
			Organ:    "Unknown",
			Modality: "Unknown",
			Questions: []Question{{
				Question: "What is this image?",
				Options:  []string{"Puzzle Image", "Option B", "Option C"},
				Answer:   "Puzzle Image",
			}},
		}
		if err := catalog.addImage(level, name, placeholder); err != nil {
			respondError(cfg, w, http.StatusInternalServerError, "failed to update catalog", errs)
			errs <- err
			return
		}

		respondJSON(cfg, w, http.StatusOK, map[string]string{
			"message": fmt.Sprintf("Image %s uploaded to %s successfully.", name, level),
		}, errs)

		logf(cfg, "ADMIN: Uploaded %s to %s from %s", name, level, realIP(r))
	}
}

func serveAdminClearSession(cfg *Config, registry *SessionRegistry, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if !adminAuthorized(cfg, r) {
			respondError(cfg, w, http.StatusUnauthorized, "unauthorized", errs)
			return
		}

		token := r.PostFormValue("session_id")
		if token == "" {
			respondError(cfg, w, http.StatusBadRequest, "missing session_id", errs)
			return
		}

		registry.clear(token)

		respondJSON(cfg, w, http.StatusOK, map[string]string{"message": "session cleared"}, errs)
	}
}

func serveSelectWinner(cfg *Config, store *ScoreStore, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if !adminAuthorized(cfg, r) {
			respondError(cfg, w, http.StatusUnauthorized, "unauthorized - invalid password", errs)
			return
		}

		winners, err := store.winners()
		if err != nil {
			respondError(cfg, w, http.StatusInternalServerError, "failed to load winners", errs)
			errs <- err
			return
		}
		if len(winners) == 0 {
			respondError(cfg, w, http.StatusNotFound, "no players found", errs)
			return
		}

		respondJSON(cfg, w, http.StatusOK, map[string]any{
			"message":   "Winner selection completed",
			"winners":   winners,
			"max_score": winners[0].TotalScore,
		}, errs)
	}
}

// QR handler: generates a PNG QR code for the game URL using go-qrcode,
// for kiosk-style joining.
func serveJoinQR(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/"

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type registryStats struct {
	ActiveSessions int            `json:"active_sessions"`
	ByLevel        map[string]int `json:"by_level"`
	Artifacts      int            `json:"artifacts"`
}

func collectStats(cfg *Config, registry *SessionRegistry) registryStats {
	artifacts := 0
	if entries, err := os.ReadDir(cfg.tempDir()); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() && filepath.Ext(entry.Name()) == ".jpg" {
				artifacts++
			}
		}
	}

	return registryStats{
		ActiveSessions: registry.count(),
		ByLevel:        registry.countByLevel(),
		Artifacts:      artifacts,
	}
}

// serveAdminLive upgrades to a WebSocket and pushes registry stats
// every few seconds until the client goes away. Read-only.
func serveAdminLive(cfg *Config, registry *SessionRegistry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if !adminAuthorized(cfg, r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "ADMIN: Live monitor upgrade error: %v", err)
			return
		}
		defer conn.Close()

		// Drain reads so we notice the client closing.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			registry.sweep()

			if err := conn.WriteJSON(collectStats(cfg, registry)); err != nil {
				return
			}

			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}
}

// registerAdmin wires the admin routes and the join QR endpoint.
func registerAdmin(cfg *Config, settings *Settings, registry *SessionRegistry, catalog *Catalog, store *ScoreStore, mux *httprouter.Router, errs chan<- error) {
	mux.GET(cfg.prefix+"/admin", serveAdminPage(cfg))
	mux.POST(cfg.prefix+"/admin/config", serveAdminConfig(cfg, settings, errs))
	mux.POST(cfg.prefix+"/admin/upload", serveAdminUpload(cfg, catalog, errs))
	mux.POST(cfg.prefix+"/admin/clear_session", serveAdminClearSession(cfg, registry, errs))
	mux.GET(cfg.prefix+"/admin/live", serveAdminLive(cfg, registry))
	mux.POST(cfg.prefix+"/select_winner", serveSelectWinner(cfg, store, errs))
	mux.GET(cfg.prefix+"/qr", serveJoinQR(cfg))
}
