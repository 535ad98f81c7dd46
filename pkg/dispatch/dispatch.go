// Package dispatch hides where a commission task actually runs. When a
// Kubernetes API is reachable and credentialed, tasks run as batch Jobs whose
// lifecycle is tracked out-of-band; otherwise work runs on a local goroutine
// that reports status transitions back through the orchestrator. The probe
// happens once at construction: a process that starts in local mode stays in
// local mode.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/sctennis77/zazzle-agent-sub001/pkg/executor"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/metrics"
	"github.com/sctennis77/zazzle-agent-sub001/pkg/tasks"
)

// Mode is the execution backend selected at construction.
type Mode string

const (
	ModeCluster Mode = "cluster"
	ModeLocal   Mode = "local"
)

// JobStatus is the normalized job state vocabulary.
type JobStatus string

const (
	JobSucceeded JobStatus = "Succeeded"
	JobFailed    JobStatus = "Failed"
	JobRunning   JobStatus = "Running"
	JobReady     JobStatus = "Ready"
	JobUnknown   JobStatus = "Unknown"
	JobNotFound  JobStatus = "NotFound"
	JobError     JobStatus = "Error"
)

const (
	jobBackoffLimit    = int32(2)
	jobTTLAfterFinish  = int32(3600)
	workerContainer    = "worker"
	appLabel           = "zazzle-commission-worker"
	donationIDLabelKey = "donation-id"
)

// Reporter receives status transitions from locally executed work.
type Reporter interface {
	UpdateStatus(ctx context.Context, taskID string, status tasks.Status, upd tasks.StatusUpdate) error
}

// Config carries the cluster-side knobs.
type Config struct {
	Namespace   string
	WorkerImage string
}

// Dispatcher submits commission tasks to the selected backend.
type Dispatcher struct {
	mode     Mode
	client   kubernetes.Interface
	cfg      Config
	reporter Reporter
	exec     executor.Executor
	log      zerolog.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// New probes the cluster API and returns a dispatcher in cluster mode when
// the probe succeeds, local mode otherwise. The reporter and executor are
// only exercised in local mode but are always required, since the fallback
// decision belongs to this package.
func New(cfg Config, reporter Reporter, exec executor.Executor, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		mode:     ModeLocal,
		cfg:      cfg,
		reporter: reporter,
		exec:     exec,
		log:      log.With().Str("component", "dispatch").Logger(),
		now:      time.Now,
	}

	client, err := clusterClient()
	if err != nil {
		d.log.Warn().Err(err).Msg("cluster API unavailable, running work locally for process lifetime")
		return d
	}
	d.client = client
	d.mode = ModeCluster
	d.log.Info().Str("namespace", cfg.Namespace).Msg("cluster dispatch enabled")
	return d
}

// NewCluster builds a cluster-mode dispatcher around an existing clientset.
func NewCluster(client kubernetes.Interface, cfg Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		mode:   ModeCluster,
		client: client,
		cfg:    cfg,
		log:    log.With().Str("component", "dispatch").Logger(),
		now:    time.Now,
	}
}

// NewLocal builds a dispatcher that always runs work on local goroutines.
func NewLocal(reporter Reporter, exec executor.Executor, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		mode:     ModeLocal,
		reporter: reporter,
		exec:     exec,
		log:      log.With().Str("component", "dispatch").Logger(),
		now:      time.Now,
	}
}

// Mode reports the backend selected at construction.
func (d *Dispatcher) Mode() Mode { return d.mode }

// clusterClient discovers a Kubernetes config (in-cluster first, then
// kubeconfig) and verifies the API is actually reachable.
func clusterClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		path := os.Getenv("KUBECONFIG")
		if path == "" {
			home, herr := os.UserHomeDir()
			if herr != nil {
				return nil, fmt.Errorf("no in-cluster config and no home dir: %w", err)
			}
			path = filepath.Join(home, ".kube", "config")
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig: %w", err)
		}
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build clientset: %w", err)
	}
	if _, err := client.Discovery().ServerVersion(); err != nil {
		return nil, fmt.Errorf("probe cluster API: %w", err)
	}
	return client, nil
}

// Submit starts the work executor for the task and returns immediately with
// a job identifier; it never waits for completion. A submission failure
// leaves the task row in place for the stuck-task monitor to recover.
func (d *Dispatcher) Submit(ctx context.Context, task *tasks.Task) (string, error) {
	if d.mode == ModeCluster {
		name, err := d.submitJob(ctx, task)
		if err != nil {
			metrics.TasksDispatched.WithLabelValues(string(ModeCluster), "error").Inc()
			return "", err
		}
		metrics.TasksDispatched.WithLabelValues(string(ModeCluster), "ok").Inc()
		return name, nil
	}

	name := "local-" + task.ID
	d.wg.Add(1)
	go d.runLocal(task)
	metrics.TasksDispatched.WithLabelValues(string(ModeLocal), "ok").Inc()
	d.log.Info().Str("task_id", task.ID).Msg("task started on local goroutine")
	return name, nil
}

func (d *Dispatcher) submitJob(ctx context.Context, task *tasks.Task) (string, error) {
	job := d.buildJob(task)
	created, err := d.client.BatchV1().Jobs(d.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return "", fmt.Errorf("create job for task %s: %w", task.ID, err)
	}
	d.log.Info().Str("task_id", task.ID).Str("job", created.Name).Msg("cluster job submitted")
	return created.Name, nil
}

func (d *Dispatcher) buildJob(task *tasks.Task) *batchv1.Job {
	name := fmt.Sprintf("commission-%d-%d", task.DonationID, d.now().Unix())
	labels := map[string]string{
		"app":              appLabel,
		donationIDLabelKey: strconv.FormatInt(task.DonationID, 10),
		"type":             task.Kind,
	}
	backoff := jobBackoffLimit
	ttl := jobTTLAfterFinish

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:    workerContainer,
						Image:   d.cfg.WorkerImage,
						Command: []string{"worker"},
						Args: []string{
							"--trigger-id", strconv.FormatInt(task.DonationID, 10),
							"--task-data", string(task.Context),
						},
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("250m"),
								corev1.ResourceMemory: resource.MustParse("256Mi"),
							},
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("1"),
								corev1.ResourceMemory: resource.MustParse("1Gi"),
							},
						},
					}},
				},
			},
		},
	}
}

// runLocal executes the task in-process. A panic inside the executor is
// caught and translated into a failed status update, never left silent.
func (d *Dispatcher) runLocal(task *tasks.Task) {
	defer d.wg.Done()
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("task_id", task.ID).Msg("work executor panicked")
			d.report(ctx, task.ID, tasks.StatusFailed, tasks.StatusUpdate{
				Error: fmt.Sprintf("work executor panic: %v", r),
			})
		}
	}()

	d.report(ctx, task.ID, tasks.StatusInProgress, tasks.StatusUpdate{
		Stage:   "dispatched",
		Message: "Work executor started",
	})

	report := func(progress int, stage, message string) {
		d.report(ctx, task.ID, tasks.StatusInProgress, tasks.StatusUpdate{
			Progress: progress,
			Stage:    stage,
			Message:  message,
		})
	}

	if err := d.exec.Execute(ctx, task, report); err != nil {
		d.report(ctx, task.ID, tasks.StatusFailed, tasks.StatusUpdate{Error: err.Error()})
		return
	}
	d.report(ctx, task.ID, tasks.StatusCompleted, tasks.StatusUpdate{
		Progress: 100,
		Stage:    "done",
		Message:  "Commission complete",
	})
}

func (d *Dispatcher) report(ctx context.Context, taskID string, status tasks.Status, upd tasks.StatusUpdate) {
	if err := d.reporter.UpdateStatus(ctx, taskID, status, upd); err != nil {
		d.log.Error().Err(err).Str("task_id", taskID).Str("status", string(status)).Msg("status report failed")
	}
}

// Status maps the cluster's job state onto the normalized vocabulary. Local
// mode has no out-of-band job record, so it always answers NotFound: the
// task store is the authority there.
func (d *Dispatcher) Status(ctx context.Context, jobName string) (JobStatus, error) {
	if d.mode == ModeLocal {
		return JobNotFound, nil
	}

	job, err := d.client.BatchV1().Jobs(d.cfg.Namespace).Get(ctx, jobName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return JobNotFound, nil
	}
	if err != nil {
		return JobError, fmt.Errorf("get job %s: %w", jobName, err)
	}

	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return JobSucceeded, nil
		case batchv1.JobFailed:
			return JobFailed, nil
		}
	}
	if job.Status.Succeeded > 0 {
		return JobSucceeded, nil
	}
	if job.Status.Failed > jobBackoffLimit {
		return JobFailed, nil
	}
	if job.Status.Ready != nil && *job.Status.Ready > 0 {
		return JobReady, nil
	}
	if job.Status.Active > 0 {
		return JobRunning, nil
	}
	return JobUnknown, nil
}

// Wait blocks until every local goroutine has finished. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
