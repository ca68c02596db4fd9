// Package storage keeps per-session caption transcripts as JSON files.
package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Roles stored in a transcript.
const (
	RoleMetadata  = "metadata"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one line of a transcript.
type Entry struct {
	Role      string `json:"role"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// TranscriptInfo summarises one transcript file.
type TranscriptInfo struct {
	UID         string `json:"uid"`
	SessionID   string `json:"session_id"`
	LatestEntry Entry  `json:"latest_entry"`
	Timestamp   string `json:"timestamp"`
}

var safeNamePattern = regexp.MustCompile(`^[A-Za-z0-9_\-\.]+$`)

// ErrInvalidName is returned for device or transcript ids that are not
// safe path components.
var ErrInvalidName = errors.New("invalid transcript name")

// CreateTranscript starts a transcript for sessionID and returns its uid.
func CreateTranscript(baseDir string, deviceID string, sessionID string) (string, error) {
	dir, err := ensureDeviceDir(baseDir, deviceID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	uid := now.Format("2006-01-02_15-04-05") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	meta := []Entry{{Role: RoleMetadata, Timestamp: now.Format(time.RFC3339), SessionID: sessionID}}
	if err := writeEntries(filepath.Join(dir, uid+".json"), meta); err != nil {
		return "", err
	}
	return uid, nil
}

// AppendEntry adds entry to an existing transcript.
func AppendEntry(baseDir string, deviceID string, uid string, entry Entry) error {
	path, err := transcriptPath(baseDir, deviceID, uid)
	if err != nil {
		return err
	}
	entries, err := readEntries(path)
	if err != nil {
		return err
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().Format(time.RFC3339)
	}
	return writeEntries(path, append(entries, entry))
}

// GetTranscript returns the spoken entries of a transcript.
func GetTranscript(baseDir string, deviceID string, uid string) ([]Entry, error) {
	path, err := transcriptPath(baseDir, deviceID, uid)
	if err != nil {
		return nil, err
	}
	entries, err := readEntries(path)
	if err != nil {
		return nil, err
	}
	filtered := []Entry{}
	for _, e := range entries {
		if e.Role == RoleMetadata {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered, nil
}

// DeleteTranscript reports whether the transcript existed and was removed.
func DeleteTranscript(baseDir string, deviceID string, uid string) bool {
	path, err := transcriptPath(baseDir, deviceID, uid)
	if err != nil {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	return os.Remove(path) == nil
}

// ListTranscripts returns non-empty transcripts, newest first.
func ListTranscripts(baseDir string, deviceID string) []TranscriptInfo {
	list := []TranscriptInfo{}
	dir, err := ensureDeviceDir(baseDir, deviceID)
	if err != nil {
		return list
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return list
	}
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		entries, err := readEntries(filepath.Join(dir, file.Name()))
		if err != nil || len(entries) == 0 {
			continue
		}
		last := entries[len(entries)-1]
		if last.Role == RoleMetadata {
			continue
		}
		list = append(list, TranscriptInfo{
			UID:         strings.TrimSuffix(file.Name(), ".json"),
			SessionID:   entries[0].SessionID,
			LatestEntry: last,
			Timestamp:   last.Timestamp,
		})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Timestamp > list[j].Timestamp
	})
	return list
}

// Recorder appends captions of live sessions to transcripts. It opens one
// transcript per session id on first use.
type Recorder struct {
	baseDir  string
	deviceID string
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]string
}

// NewRecorder creates a recorder writing under baseDir/deviceID.
func NewRecorder(baseDir string, deviceID string, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := ensureDeviceDir(baseDir, sanitizeDeviceID(deviceID)); err != nil {
		return nil, err
	}
	return &Recorder{
		baseDir:  baseDir,
		deviceID: sanitizeDeviceID(deviceID),
		logger:   logger,
		sessions: make(map[string]string),
	}, nil
}

// DeviceDir is the device component under the base directory.
func (r *Recorder) DeviceDir() string {
	return r.deviceID
}

// Caption records a sentence the server spoke. Empty text marks the end
// of speech and is not stored.
func (r *Recorder) Caption(sessionID string, text string) {
	r.record(sessionID, RoleAssistant, text)
}

// Transcript records what the server recognised from the user.
func (r *Recorder) Transcript(sessionID string, text string) {
	r.record(sessionID, RoleUser, text)
}

// UID returns the transcript uid of sessionID, or "".
func (r *Recorder) UID(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

func (r *Recorder) record(sessionID string, role string, text string) {
	if sessionID == "" || strings.TrimSpace(text) == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, ok := r.sessions[sessionID]
	if !ok {
		var err error
		uid, err = CreateTranscript(r.baseDir, r.deviceID, sessionID)
		if err != nil {
			r.logger.Warn("create transcript failed", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		r.sessions[sessionID] = uid
	}
	entry := Entry{Role: role, SessionID: sessionID, Content: text}
	if err := AppendEntry(r.baseDir, r.deviceID, uid, entry); err != nil {
		r.logger.Warn("append transcript failed", zap.String("uid", uid), zap.Error(err))
	}
}

// sanitizeDeviceID maps a MAC-style id to a safe directory name.
func sanitizeDeviceID(deviceID string) string {
	id := strings.NewReplacer(":", "-", "/", "_").Replace(strings.TrimSpace(deviceID))
	if !safeName(id) {
		return "default"
	}
	return id
}

// safeName accepts a single path component that is not made of dots only.
func safeName(name string) bool {
	return safeNamePattern.MatchString(name) && strings.Trim(name, ".") != ""
}

func ensureDeviceDir(baseDir string, deviceID string) (string, error) {
	if baseDir == "" {
		return "", errors.New("transcript base dir is empty")
	}
	if !safeName(deviceID) {
		return "", ErrInvalidName
	}
	path := filepath.Join(baseDir, deviceID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func transcriptPath(baseDir string, deviceID string, uid string) (string, error) {
	if baseDir == "" {
		return "", errors.New("transcript base dir is empty")
	}
	if !safeName(deviceID) || !safeName(uid) {
		return "", ErrInvalidName
	}
	return filepath.Join(baseDir, deviceID, uid+".json"), nil
}

func readEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func writeEntries(path string, entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
