package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/energizer-project/shardgate/internal/session"
	"github.com/energizer-project/shardgate/internal/util"
)

// lookupSession resolves the :id parameter, writing the error response when
// it fails.
func (s *Server) lookupSession(c *gin.Context) (*session.Session, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return nil, false
	}
	if s.deps.Sessions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "id": id})
		return nil, false
	}
	sess, ok := s.deps.Sessions.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found", "id": id})
		return nil, false
	}
	return sess, true
}

// handleListSessions returns every live session.
func (s *Server) handleListSessions(c *gin.Context) {
	infos := []session.Info{}
	if s.deps.Sessions != nil {
		for _, sess := range s.deps.Sessions.List() {
			infos = append(infos, sess.Info())
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": infos,
		"total":    len(infos),
	})
}

// handleGetSession returns one session.
func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.lookupSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

// handleGetStats returns the protocol counters and dispatch queue depth.
func (s *Server) handleGetStats(c *gin.Context) {
	resp := gin.H{}
	if s.deps.Stats != nil {
		snap := s.deps.Stats.Snapshot()
		resp["stats"] = snap
		resp["total_faults"] = snap.TotalFaults()
	}
	if s.deps.Queue != nil {
		resp["queue"] = gin.H{
			"workers": s.deps.Queue.Workers(),
			"pending": s.deps.Queue.Pending(),
		}
	}
	if s.deps.Gateway != nil {
		resp["pending_auth_keys"] = s.deps.Gateway.PendingKeys()
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetSystem returns the host profile and a load sample taken on the
// database volume.
func (s *Server) handleGetSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system": util.GetSystemInfo(),
		"load":   util.SampleHost(filepath.Dir(s.cfg.GetDatabase().Path)),
	})
}

// handleGetOpcodes returns the bound opcodes.
func (s *Server) handleGetOpcodes(c *gin.Context) {
	if s.deps.Registry == nil {
		c.JSON(http.StatusOK, gin.H{"bindings": []any{}, "total": 0})
		return
	}
	bindings := s.deps.Registry.Bindings()
	c.JSON(http.StatusOK, gin.H{
		"bindings": bindings,
		"total":    len(bindings),
	})
}

// handleGetShards returns the last probe result of each shard.
func (s *Server) handleGetShards(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"shards": s.cfg.GetShards(), "probed": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"shards": s.deps.Health.Status(), "probed": true})
}

// handleGetLogins returns the newest login history entries.
func (s *Server) handleGetLogins(c *gin.Context) {
	if s.deps.Accounts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "account store unavailable"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	records, err := s.deps.Accounts.RecentLogins(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logins": records, "count": len(records)})
}

// handleGetLogEntries tails today's log. ?count bounds the reply (1-1000)
// and ?level drops entries below that zerolog level.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "100"))
	if err != nil || count < 1 {
		count = 100
	}
	count = min(count, 1000)

	minLevel := zerolog.TraceLevel
	if q := c.Query("level"); q != "" {
		if minLevel, err = zerolog.ParseLevel(q); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown level %q", q)})
			return
		}
	}

	entries, err := readRecentLogEntries(s.cfg.GetLogging().Directory, count, minLevel)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// logEntry is one log line as the API reports it. Fields carries whatever
// the line added beyond the standard keys.
type logEntry struct {
	Timestamp string         `json:"timestamp,omitempty"`
	Level     string         `json:"level,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func parseLogLine(line string) logEntry {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return logEntry{Message: line}
	}
	var e logEntry
	for k, v := range raw {
		switch k {
		case zerolog.TimestampFieldName:
			e.Timestamp = fmt.Sprint(v)
		case zerolog.LevelFieldName:
			e.Level = fmt.Sprint(v)
		case zerolog.MessageFieldName:
			e.Message = fmt.Sprint(v)
		case "app":
		default:
			if e.Fields == nil {
				e.Fields = make(map[string]any)
			}
			e.Fields[k] = v
		}
	}
	return e
}

// newestLogFile returns the latest dated shardgate log in dir, or "".
func newestLogFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	newest := ""
	for _, e := range entries {
		name := e.Name()
		// Dated names order chronologically.
		if !e.IsDir() && strings.HasPrefix(name, "shardgate_") && filepath.Ext(name) == ".log" && name > newest {
			newest = name
		}
	}
	if newest == "" {
		return "", nil
	}
	return filepath.Join(dir, newest), nil
}

// readRecentLogEntries streams the newest log file and keeps the last count
// entries at or above minLevel. Lines that are not JSON have no level and
// are kept only when no level filter is set.
func readRecentLogEntries(dir string, count int, minLevel zerolog.Level) ([]logEntry, error) {
	path, err := newestLogFile(dir)
	if err != nil || path == "" {
		return []logEntry{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]logEntry, count)
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		e := parseLogLine(line)
		if minLevel > zerolog.TraceLevel {
			lvl, err := zerolog.ParseLevel(e.Level)
			if e.Level == "" || err != nil || lvl < minLevel {
				continue
			}
		}
		ring[n%count] = e
		n++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if n <= count {
		return ring[:n], nil
	}
	start := n % count
	return append(ring[start:], ring[:start]...), nil
}
