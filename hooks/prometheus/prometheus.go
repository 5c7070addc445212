// Package prometheus exports process lifecycle metrics through Prometheus collectors.
package prometheus

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/i2y/leanflow/hooks"
)

const namespace = "leanflow"

// Hooks implements WorkflowHooks by updating Prometheus collectors.
type Hooks struct {
	hooks.NoOpHooks

	processesStarted  *prometheus.CounterVec
	processesFinished *prometheus.CounterVec
	processDuration   *prometheus.HistogramVec
	activitiesTotal   *prometheus.CounterVec
	activityDuration  *prometheus.HistogramVec
	tasksCreated      *prometheus.CounterVec
	taskActions       *prometheus.CounterVec
	taskTimeouts      prometheus.Counter
	bookmarks         *prometheus.CounterVec
	compensations     *prometheus.CounterVec
	historyDropped    prometheus.Counter
}

// New creates the collectors and registers them with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Hooks, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	h := &Hooks{
		processesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_started_total",
			Help:      "Process instances started, by definition code.",
		}, []string{"definition"}),
		processesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_finished_total",
			Help:      "Process instances that reached Completed, Terminated or Faulted.",
		}, []string{"definition", "status"}),
		processDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Wall time from start to completion of a process instance.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"definition"}),
		activitiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_total",
			Help:      "Activity instance transitions, by activity type and resulting status.",
		}, []string{"type", "status"}),
		activityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activity_duration_seconds",
			Help:      "Time an activity instance spent Running.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		tasksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Human tasks created, by kind.",
		}, []string{"kind"}),
		taskActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_actions_total",
			Help:      "Actions taken on human tasks.",
		}, []string{"action"}),
		taskTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_timeouts_total",
			Help:      "Tasks flagged overdue by the timeout sweep.",
		}),
		bookmarks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookmarks_total",
			Help:      "Bookmark events: created, resumed, expired.",
		}, []string{"event"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensation runs, by result.",
		}, []string{"result"}),
		historyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_dropped_total",
			Help:      "Audit entries that could not be written.",
		}),
	}

	for _, c := range []prometheus.Collector{
		h.processesStarted, h.processesFinished, h.processDuration,
		h.activitiesTotal, h.activityDuration,
		h.tasksCreated, h.taskActions, h.taskTimeouts,
		h.bookmarks, h.compensations, h.historyDropped,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hooks) OnProcessStart(ctx context.Context, info hooks.ProcessStartInfo) {
	h.processesStarted.WithLabelValues(info.DefinitionCode).Inc()
}

func (h *Hooks) OnProcessComplete(ctx context.Context, info hooks.ProcessCompleteInfo) {
	h.processesFinished.WithLabelValues(info.DefinitionCode, "Completed").Inc()
	h.processDuration.WithLabelValues(info.DefinitionCode).Observe(info.Duration.Seconds())
}

func (h *Hooks) OnProcessFaulted(ctx context.Context, info hooks.ProcessFaultedInfo) {
	h.processesFinished.WithLabelValues(info.DefinitionCode, "Faulted").Inc()
}

func (h *Hooks) OnProcessTerminated(ctx context.Context, info hooks.ProcessTerminatedInfo) {
	h.processesFinished.WithLabelValues(info.DefinitionCode, "Terminated").Inc()
}

func (h *Hooks) OnActivityStart(ctx context.Context, info hooks.ActivityStartInfo) {
	h.activitiesTotal.WithLabelValues(info.ActivityType, "Running").Inc()
}

func (h *Hooks) OnActivityComplete(ctx context.Context, info hooks.ActivityCompleteInfo) {
	h.activitiesTotal.WithLabelValues(info.ActivityType, "Completed").Inc()
	h.activityDuration.WithLabelValues(info.ActivityType).Observe(info.Duration.Seconds())
}

func (h *Hooks) OnActivityFaulted(ctx context.Context, info hooks.ActivityFaultedInfo) {
	h.activitiesTotal.WithLabelValues(info.ActivityType, "Faulted").Inc()
}

func (h *Hooks) OnTaskCreated(ctx context.Context, info hooks.TaskInfo) {
	h.tasksCreated.WithLabelValues(info.Kind).Inc()
}

func (h *Hooks) OnTaskAction(ctx context.Context, info hooks.TaskActionInfo) {
	h.taskActions.WithLabelValues(info.Action).Inc()
}

func (h *Hooks) OnTaskTimeout(ctx context.Context, info hooks.TaskInfo) {
	h.taskTimeouts.Inc()
}

func (h *Hooks) OnBookmarkCreated(ctx context.Context, info hooks.BookmarkInfo) {
	h.bookmarks.WithLabelValues("created").Inc()
}

func (h *Hooks) OnBookmarkResumed(ctx context.Context, info hooks.BookmarkInfo) {
	h.bookmarks.WithLabelValues("resumed").Inc()
}

func (h *Hooks) OnBookmarkExpired(ctx context.Context, info hooks.BookmarkInfo) {
	h.bookmarks.WithLabelValues("expired").Inc()
}

func (h *Hooks) OnCompensation(ctx context.Context, info hooks.CompensationInfo) {
	result := "complete"
	if len(info.Remaining) > 0 {
		result = "partial"
	}
	h.compensations.WithLabelValues(result).Inc()
}

func (h *Hooks) OnHistoryDropped(ctx context.Context, info hooks.HistoryDroppedInfo) {
	h.historyDropped.Inc()
}

var _ hooks.WorkflowHooks = (*Hooks)(nil)
