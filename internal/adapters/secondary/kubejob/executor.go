// Package kubejob runs external pipeline steps as kubernetes Jobs. The step
// invocation is mounted into the pod from a ConfigMap; the step writes its
// outputs to the shared artifact store, which is read back once the Job
// succeeds.
package kubejob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"ml-pipelines/internal/adapters/secondary/kube"
	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

const (
	ContractFile      = "contract.json"
	contractMountPath = "/etc/ml-pipelines"

	LabelPipeline = "ml-pipelines.io/pipeline"
	LabelStep     = "ml-pipelines.io/step"
	LabelRun      = "ml-pipelines.io/run-id"
)

type Options struct {
	Namespace    string
	PollInterval time.Duration
	StepTimeout  time.Duration
	JobTTL       time.Duration
}

type Executor struct {
	client    kubernetes.Interface
	artifacts output.ArtifactStore
	opts      Options
}

var _ output.StepExecutor = (*Executor)(nil)

// NewExecutor creates a Job executor. artifacts must be the store the step
// containers write to.
func NewExecutor(client kubernetes.Interface, artifacts output.ArtifactStore, opts Options) *Executor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Hour
	}
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	return &Executor{client: client, artifacts: artifacts, opts: opts}
}

func (e *Executor) Execute(ctx context.Context, inv output.StepInvocation) (*output.StepResult, error) {
	if inv.Settings.Image == "" {
		return nil, fmt.Errorf("%w: no image configured for step %s", domain.ErrExecutorUnavailable, inv.Step)
	}

	contract, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("marshal step invocation: %w", err)
	}

	logger := log.WithFields(log.Fields{"pipeline": inv.Pipeline, "step": inv.Step, "run_id": inv.RunID})

	job, err := e.client.BatchV1().Jobs(e.opts.Namespace).Create(ctx, e.buildJob(inv), metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("create job for step %s: %w", inv.Step, err)
	}
	logger = logger.WithField("job", job.Name)
	logger.Info("step job created")

	// The ConfigMap is owned by the Job so the TTL controller cleans up both.
	if _, err := e.client.CoreV1().ConfigMaps(e.opts.Namespace).Create(ctx, buildContractConfigMap(job, contract), metav1.CreateOptions{}); err != nil {
		e.deleteJob(job.Name, logger)
		return nil, fmt.Errorf("create contract for step %s: %w", inv.Step, err)
	}

	if err := e.waitForJob(ctx, job.Name); err != nil {
		if wait.Interrupted(err) {
			e.deleteJob(job.Name, logger)
		}
		return nil, fmt.Errorf("step %s: %w", inv.Step, err)
	}
	logger.Info("step job succeeded")

	outputs := make(map[string]domain.Artifact, len(inv.Outputs))
	for _, name := range inv.Outputs {
		a, err := e.artifacts.Get(ctx, inv.RunID, inv.Step, name)
		if err != nil {
			if errors.Is(err, domain.ErrArtifactNotFound) {
				continue
			}
			return nil, fmt.Errorf("read output %s of step %s: %w", name, inv.Step, err)
		}
		outputs[name] = a
	}
	return &output.StepResult{Outputs: outputs}, nil
}

func (e *Executor) waitForJob(ctx context.Context, name string) error {
	var jobErr error
	err := wait.PollUntilContextTimeout(ctx, e.opts.PollInterval, e.opts.StepTimeout, true, func(ctx context.Context) (bool, error) {
		job, err := e.client.BatchV1().Jobs(e.opts.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, fmt.Errorf("job %s disappeared", name)
			}
			log.WithError(err).WithField("job", name).Warn("get job status failed, retrying")
			return false, nil
		}
		done, err := JobState(job)
		if err != nil {
			jobErr = err
			return true, nil
		}
		return done, nil
	})
	if err != nil {
		return err
	}
	return jobErr
}

// JobState reports whether the job finished. A failed job returns an error
// carrying the failure reason.
func JobState(job *batchv1.Job) (bool, error) {
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return true, nil
		case batchv1.JobFailed:
			return true, fmt.Errorf("job %s failed: %s: %s", job.Name, c.Reason, c.Message)
		}
	}
	if job.Status.Succeeded > 0 {
		return true, nil
	}
	if job.Status.Failed > 0 {
		return true, fmt.Errorf("job %s failed", job.Name)
	}
	return false, nil
}

func (e *Executor) deleteJob(name string, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := e.client.BatchV1().Jobs(e.opts.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: ptr.To(metav1.DeletePropagationBackground),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		logger.WithError(err).Warn("delete step job failed")
	}
}

// JobName derives the Job name from the run and step.
func JobName(inv output.StepInvocation) string {
	return kube.DNSName(inv.Step, inv.RunID.String()[:8])
}

func (e *Executor) buildJob(inv output.StepInvocation) *batchv1.Job {
	name := JobName(inv)
	labels := map[string]string{
		LabelPipeline: kube.LabelValue(inv.Pipeline),
		LabelStep:     kube.LabelValue(inv.Step),
		LabelRun:      inv.RunID.String(),
	}

	env := []corev1.EnvVar{
		{Name: "PIPELINE_NAME", Value: inv.Pipeline},
		{Name: "PIPELINE_STEP", Value: inv.Step},
		{Name: "PIPELINE_RUN_ID", Value: inv.RunID.String()},
		{Name: "STEP_CONTRACT", Value: contractMountPath + "/" + ContractFile},
	}
	for k, v := range inv.Settings.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: e.opts.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Completions:           ptr.To(int32(1)),
			BackoffLimit:          ptr.To(int32(0)),
			ActiveDeadlineSeconds: ptr.To(int64(e.opts.StepTimeout.Seconds())),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:       "step",
							Image:      inv.Settings.Image,
							Command:    inv.Settings.Command,
							WorkingDir: inv.Settings.WorkDir,
							Env:        env,
							VolumeMounts: []corev1.VolumeMount{
								{Name: "contract", MountPath: contractMountPath, ReadOnly: true},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "contract",
							VolumeSource: corev1.VolumeSource{
								ConfigMap: &corev1.ConfigMapVolumeSource{
									LocalObjectReference: corev1.LocalObjectReference{Name: name},
								},
							},
						},
					},
				},
			},
		},
	}
	if e.opts.JobTTL > 0 {
		job.Spec.TTLSecondsAfterFinished = ptr.To(int32(e.opts.JobTTL.Seconds()))
	}
	return job
}

func buildContractConfigMap(job *batchv1.Job, contract []byte) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      job.Name,
			Namespace: job.Namespace,
			Labels:    job.Labels,
			OwnerReferences: []metav1.OwnerReference{
				{
					APIVersion: "batch/v1",
					Kind:       "Job",
					Name:       job.Name,
					UID:        job.UID,
				},
			},
		},
		BinaryData: map[string][]byte{ContractFile: contract},
	}
}
