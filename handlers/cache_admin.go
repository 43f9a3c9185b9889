package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/mhuot/pyvisioniq/cache"
)

// CacheHandler exposes the cache directory for inspection: listing entries,
// viewing payloads and clearing out old or broken files.
type CacheHandler struct {
	cache       *cache.Cache
	fingerprint string
}

func NewCacheHandler(responseCache *cache.Cache, fingerprint string) *CacheHandler {
	return &CacheHandler{cache: responseCache, fingerprint: fingerprint}
}

type cacheFileInfo struct {
	Name      string  `json:"name"`
	Size      int64   `json:"size"`
	Modified  string  `json:"modified"`
	AgeHours  float64 `json:"age_hours"`
	IsHistory bool    `json:"is_history"`
	IsError   bool    `json:"is_error"`
}

func newCacheFileInfo(path string, info os.FileInfo) cacheFileInfo {
	name := filepath.Base(path)
	return cacheFileInfo{
		Name:      name,
		Size:      info.Size(),
		Modified:  info.ModTime().Format(time.RFC3339),
		AgeHours:  math.Round(time.Since(info.ModTime()).Hours()*10) / 10,
		IsHistory: strings.HasPrefix(name, "history_"),
		IsError:   strings.HasPrefix(name, "error_"),
	}
}

// ListFiles returns every cache file with metadata, newest first, plus
// aggregate statistics.
func (h *CacheHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	matches, err := filepath.Glob(filepath.Join(h.cache.Dir(), "*.json"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	files := make([]cacheFileInfo, 0, len(matches))
	var totalSize int64
	historyCount, errorCount := 0, 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		entry := newCacheFileInfo(path, info)
		files = append(files, entry)
		totalSize += entry.Size
		if entry.IsHistory {
			historyCount++
		}
		if entry.IsError {
			errorCount++
		}
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Modified > files[j].Modified
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": files,
		"stats": map[string]interface{}{
			"total_files":            len(files),
			"total_size":             totalSize,
			"history_files":          historyCount,
			"error_files":            errorCount,
			"current_files":          len(files) - historyCount - errorCount,
			"cache_validity_minutes": h.cache.Validity().Minutes(),
			"cache_retention_hours":  h.cache.Retention().Hours(),
		},
	})
}

// ViewFile returns one cache file's parsed contents plus metadata.
func (h *CacheHandler) ViewFile(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	if !validCacheFilename(filename) {
		writeError(w, http.StatusBadRequest, "Invalid filename")
		return
	}

	path := filepath.Join(h.cache.Dir(), filename)
	info, err := os.Stat(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	isCurrent := filename == h.fingerprint+".json"
	isValid := isCurrent && time.Since(info.ModTime()) < h.cache.Validity()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"filename":   filename,
		"info":       newCacheFileInfo(path, info),
		"content":    json.RawMessage(data),
		"is_current": isCurrent,
		"is_valid":   isValid,
	})
}

// DeleteFile removes one cache file. The current entry is protected while
// it is still within validity.
func (h *CacheHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	if !validCacheFilename(filename) {
		writeError(w, http.StatusBadRequest, "Invalid filename")
		return
	}

	path := filepath.Join(h.cache.Dir(), filename)
	info, err := os.Stat(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	if filename == h.fingerprint+".json" && time.Since(info.ModTime()) < h.cache.Validity() {
		writeError(w, http.StatusBadRequest, "Cannot delete current valid cache")
		return
	}

	if err := os.Remove(path); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Deleted " + filename,
	})
}

// ClearOld garbage-collects history files past retention.
func (h *CacheHandler) ClearOld(w http.ResponseWriter, r *http.Request) {
	h.cache.CleanupOld()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Old cache files cleaned up",
	})
}

// ClearErrors deletes every persisted error record.
func (h *CacheHandler) ClearErrors(w http.ResponseWriter, r *http.Request) {
	matches, err := filepath.Glob(filepath.Join(h.cache.Dir(), "error_*.json"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	deleted := 0
	for _, path := range matches {
		if err := os.Remove(path); err == nil {
			deleted++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
	})
}

// validCacheFilename rejects anything that could escape the cache directory.
func validCacheFilename(name string) bool {
	if name == "" || strings.Contains(name, "..") {
		return false
	}
	if strings.ContainsAny(name, "/\\") {
		return false
	}
	return true
}
