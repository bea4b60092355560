package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/spawnd/internal/manager"
	"github.com/loykin/spawnd/internal/metrics"
)

// Supervisor is the part of manager.Supervisor the router reads.
type Supervisor interface {
	Tasks() []manager.TaskDefinition
	Instances() []manager.InstanceRecord
	TaskInstances(taskID string) ([]manager.InstanceRecord, bool)
	TickCount() int64
	StopTask(ctx context.Context, taskID string, recursive bool) (int, error)
}

// SampleSource provides the latest per-instance resource samples.
type SampleSource interface {
	Latest() []metrics.Sample
}

// Router provides embeddable HTTP handlers exposing supervisor state.
// Endpoints:
//
//	GET  {basePath}/status               all tasks with their instances
//	GET  {basePath}/tasks/:id            one task, with resource samples when enabled
//	POST {basePath}/tasks/:id/stop       query: recursive=false (default true)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      Supervisor
	samples  SampleSource
	basePath string
	now      func() time.Time
}

// NewRouter constructs a new Router. samples may be nil.
func NewRouter(sup Supervisor, samples SampleSource, basePath string) *Router {
	return &Router{sup: sup, samples: samples, basePath: sanitizeBase(basePath), now: time.Now}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/tasks/:id", r.handleTask)
	group.POST("/tasks/:id/stop", r.handleStop)
	return g
}

// NewServer returns an HTTP server for the router on addr. The caller starts
// and shuts it down.
func NewServer(addr, basePath string, sup Supervisor, samples SampleSource) *http.Server {
	r := NewRouter(sup, samples, basePath)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type instanceResp struct {
	Slot       int       `json:"slot"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
	AgeSeconds int64     `json:"age_seconds"`
}

type taskResp struct {
	ID         string           `json:"id"`
	Body       string           `json:"body"`
	MaxThreads int              `json:"max_threads"`
	MaxLife    string           `json:"max_life,omitempty"`
	Reload     string           `json:"reload,omitempty"`
	Running    int              `json:"running"`
	Instances  []instanceResp   `json:"instances"`
	Samples    []metrics.Sample `json:"samples,omitempty"`
}

type statusResp struct {
	Ticks int64      `json:"ticks"`
	Tasks []taskResp `json:"tasks"`
}

type stopResp struct {
	OK      bool `json:"ok"`
	Stopped int  `json:"stopped"`
}

func (r *Router) handleStatus(c *gin.Context) {
	out := statusResp{Ticks: r.sup.TickCount(), Tasks: []taskResp{}}
	for _, t := range r.sup.Tasks() {
		recs, _ := r.sup.TaskInstances(t.ID)
		out.Tasks = append(out.Tasks, r.task(t, recs))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleTask(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid task id"})
		return
	}
	def, ok := r.lookup(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown task " + id})
		return
	}
	recs, _ := r.sup.TaskInstances(id)
	resp := r.task(def, recs)
	if r.samples != nil {
		for _, s := range r.samples.Latest() {
			if s.TaskID == id {
				resp.Samples = append(resp.Samples, s)
			}
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStop(c *gin.Context) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid task id"})
		return
	}
	recursive := true
	if v := c.Query("recursive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "recursive must be a boolean"})
			return
		}
		recursive = b
	}
	if _, ok := r.lookup(id); !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown task " + id})
		return
	}
	n, err := r.sup.StopTask(c.Request.Context(), id, recursive)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, stopResp{OK: true, Stopped: n})
}

func (r *Router) lookup(id string) (manager.TaskDefinition, bool) {
	for _, t := range r.sup.Tasks() {
		if t.ID == id {
			return t, true
		}
	}
	return manager.TaskDefinition{}, false
}

func (r *Router) task(t manager.TaskDefinition, recs []manager.InstanceRecord) taskResp {
	now := r.now()
	resp := taskResp{
		ID:         t.ID,
		Body:       t.Body.String(),
		MaxThreads: t.MaxThreads,
		Reload:     string(t.Reload),
		Running:    len(recs),
		Instances:  make([]instanceResp, 0, len(recs)),
	}
	if t.MaxLife > 0 {
		resp.MaxLife = t.MaxLife.String()
	}
	for _, rec := range recs {
		resp.Instances = append(resp.Instances, instanceResp{
			Slot:       rec.Slot,
			PID:        rec.PID,
			StartedAt:  rec.StartedAt,
			AgeSeconds: int64(rec.Age(now).Seconds()),
		})
	}
	return resp
}
