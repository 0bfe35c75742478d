// Package kserve deploys prediction services as KServe InferenceServices.
package kserve

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"

	"ml-pipelines/internal/adapters/secondary/kube"
	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

var InferenceServiceGVR = schema.GroupVersionResource{
	Group:    "serving.kserve.io",
	Version:  "v1beta1",
	Resource: "inferenceservices",
}

const (
	LabelServiceID = "ml-pipelines.io/service-id"
	LabelRunID     = "ml-pipelines.io/run-id"
	LabelPipeline  = "ml-pipelines.io/pipeline"
	LabelStep      = "ml-pipelines.io/step"
	LabelModel     = "ml-pipelines.io/model"

	annotationModelName = "ml-pipelines.io/model-name"
	annotationModelURI  = "ml-pipelines.io/model-uri"
)

// Protocols understood when building prediction URLs
const (
	ProtocolV1 = "kserve-v1"
	ProtocolV2 = "kserve-v2"
)

// modelFormats maps training frameworks to KServe model formats.
var modelFormats = map[string]string{
	"lightgbm":     "lightgbm",
	"xgboost":      "xgboost",
	"randomforest": "sklearn",
}

type Deployer struct {
	client       dynamic.Interface
	namespace    string
	protocol     string
	pollInterval time.Duration
}

var _ output.ModelDeployer = (*Deployer)(nil)

// NewDeployer creates a deployer. A nil client makes it unavailable.
func NewDeployer(client dynamic.Interface, namespace, protocol string) *Deployer {
	if namespace == "" {
		namespace = "model-serving"
	}
	if protocol != ProtocolV2 {
		protocol = ProtocolV1
	}
	return &Deployer{
		client:       client,
		namespace:    namespace,
		protocol:     protocol,
		pollInterval: 2 * time.Second,
	}
}

// WithPollInterval sets how often readiness is checked.
func (d *Deployer) WithPollInterval(interval time.Duration) *Deployer {
	d.pollInterval = interval
	return d
}

func (d *Deployer) IsAvailable() bool {
	return d.client != nil
}

func (d *Deployer) Deploy(ctx context.Context, req output.DeployRequest) (*domain.PredictionService, error) {
	svc, err := domain.NewPredictionService(req.PipelineName, req.StepName, req.ModelName, req.ModelURI, domain.BackendKServe)
	if err != nil {
		return nil, err
	}
	svc.RunID = req.RunID
	svc.Workers = req.Workers
	for k, v := range req.Labels {
		svc.Labels[k] = v
	}

	obj := d.buildInferenceServiceCR(svc, req.Framework)
	name := obj.GetName()

	created, err := d.client.Resource(InferenceServiceGVR).
		Namespace(d.namespace).
		Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("create kserve inferenceservice: %w", err)
	}
	svc.ExternalID = string(created.GetUID())

	var last Status
	err = wait.PollUntilContextTimeout(ctx, d.pollInterval, req.Timeout, true, func(ctx context.Context) (bool, error) {
		current, err := d.client.Resource(InferenceServiceGVR).Namespace(d.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, fmt.Errorf("get kserve inferenceservice: %w", err)
		}
		last = ParseStatus(current)
		return last.Ready, nil
	})
	if err != nil {
		msg := last.Error
		if msg == "" {
			msg = err.Error()
		}
		svc.MarkFailed(msg)
		d.delete(context.Background(), name)
		return nil, fmt.Errorf("%w: %s: %s", domain.ErrServiceNotReady, name, msg)
	}

	d.markRunning(svc, last.URL)
	return svc, nil
}

func (d *Deployer) Find(ctx context.Context, query domain.ServiceQuery) ([]*domain.PredictionService, error) {
	list, err := d.client.Resource(InferenceServiceGVR).
		Namespace(d.namespace).
		List(ctx, metav1.ListOptions{LabelSelector: Selector(query)})
	if err != nil {
		return nil, fmt.Errorf("list kserve inferenceservices: %w", err)
	}

	items := list.Items
	sort.Slice(items, func(i, j int) bool {
		ti, tj := items[i].GetCreationTimestamp(), items[j].GetCreationTimestamp()
		return tj.Before(&ti)
	})

	var out []*domain.PredictionService
	for i := range items {
		svc := d.serviceFromObject(&items[i])
		if !query.Matches(svc) {
			continue
		}
		out = append(out, svc)
	}
	return out, nil
}

func (d *Deployer) Stop(ctx context.Context, svc *domain.PredictionService, timeout time.Duration) error {
	name := ResourceName(svc)
	if err := d.client.Resource(InferenceServiceGVR).Namespace(d.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			svc.MarkStopped()
			return nil
		}
		return fmt.Errorf("delete kserve inferenceservice: %w", err)
	}

	err := wait.PollUntilContextTimeout(ctx, d.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		_, err := d.client.Resource(InferenceServiceGVR).Namespace(d.namespace).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		log.WithField("name", name).Warn("inferenceservice still terminating")
	}

	svc.MarkStopped()
	return nil
}

func (d *Deployer) delete(ctx context.Context, name string) {
	err := d.client.Resource(InferenceServiceGVR).Namespace(d.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		log.WithError(err).WithField("name", name).Warn("delete inferenceservice failed")
	}
}

// ResourceName derives the InferenceService name from the handle.
func ResourceName(svc *domain.PredictionService) string {
	return kube.DNSName(svc.ModelName, svc.ID.String()[:8])
}

// Selector builds the label selector for a service query.
func Selector(query domain.ServiceQuery) string {
	set := labels.Set{}
	if query.PipelineName != "" {
		set[LabelPipeline] = kube.LabelValue(query.PipelineName)
	}
	if query.StepName != "" {
		set[LabelStep] = kube.LabelValue(query.StepName)
	}
	if query.ModelName != "" {
		set[LabelModel] = kube.LabelValue(query.ModelName)
	}
	return labels.SelectorFromSet(set).String()
}

func (d *Deployer) buildInferenceServiceCR(svc *domain.PredictionService, framework string) *unstructured.Unstructured {
	crLabels := map[string]interface{}{
		LabelServiceID: svc.ID.String(),
		LabelRunID:     svc.RunID.String(),
		LabelPipeline:  kube.LabelValue(svc.PipelineName),
		LabelStep:      kube.LabelValue(svc.StepName),
		LabelModel:     kube.LabelValue(svc.ModelName),
	}
	for k, v := range svc.Labels {
		crLabels[k] = v
	}

	format := modelFormats[strings.ToLower(framework)]
	if format == "" {
		format = "mlflow"
	}
	modelSpec := map[string]interface{}{
		"storageUri": svc.ModelURI,
		"modelFormat": map[string]interface{}{
			"name": format,
		},
	}
	if d.protocol == ProtocolV2 {
		modelSpec["protocolVersion"] = "v2"
	}

	predictor := map[string]interface{}{
		"model": modelSpec,
	}
	if svc.Workers > 0 {
		predictor["minReplicas"] = int64(svc.Workers)
	}

	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "serving.kserve.io/v1beta1",
			"kind":       "InferenceService",
			"metadata": map[string]interface{}{
				"name":   ResourceName(svc),
				"labels": crLabels,
				"annotations": map[string]interface{}{
					annotationModelName: svc.ModelName,
					annotationModelURI:  svc.ModelURI,
				},
			},
			"spec": map[string]interface{}{
				"predictor": predictor,
			},
		},
	}
}

// serviceFromObject rebuilds the handle stored in the resource labels.
func (d *Deployer) serviceFromObject(obj *unstructured.Unstructured) *domain.PredictionService {
	objLabels := obj.GetLabels()
	annotations := obj.GetAnnotations()

	svc := &domain.PredictionService{
		CreatedAt:    obj.GetCreationTimestamp().Time,
		UpdatedAt:    obj.GetCreationTimestamp().Time,
		PipelineName: objLabels[LabelPipeline],
		StepName:     objLabels[LabelStep],
		ModelName:    objLabels[LabelModel],
		ModelURI:     annotations[annotationModelURI],
		Backend:      domain.BackendKServe,
		State:        domain.ServiceStateStopped,
		ExternalID:   string(obj.GetUID()),
		Workers:      1,
		Labels:       map[string]string{},
	}
	if name := annotations[annotationModelName]; name != "" {
		svc.ModelName = name
	}
	svc.ID, _ = uuid.Parse(objLabels[LabelServiceID])
	svc.RunID, _ = uuid.Parse(objLabels[LabelRunID])
	if replicas, found, _ := unstructured.NestedInt64(obj.Object, "spec", "predictor", "minReplicas"); found {
		svc.Workers = int(replicas)
	}

	status := ParseStatus(obj)
	switch {
	case status.Ready:
		d.markRunning(svc, status.URL)
	case status.Error != "":
		svc.MarkFailed(status.Error)
	}
	return svc
}

func (d *Deployer) markRunning(svc *domain.PredictionService, serviceURL string) {
	if u, err := url.Parse(serviceURL); err == nil {
		svc.Host = u.Hostname()
		if port, err := strconv.Atoi(u.Port()); err == nil {
			svc.Port = port
		}
	}
	svc.MarkRunning(serviceURL, PredictionURL(serviceURL, ResourceName(svc), d.protocol))
}

// PredictionURL returns the inference endpoint for the protocol.
func PredictionURL(baseURL, name, protocol string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if protocol == ProtocolV2 {
		return fmt.Sprintf("%s/v2/models/%s/infer", baseURL, name)
	}
	return fmt.Sprintf("%s/v1/models/%s:predict", baseURL, name)
}

// Status is the readiness reported by KServe.
type Status struct {
	URL   string
	Ready bool
	Error string
}

func ParseStatus(obj *unstructured.Unstructured) Status {
	var status Status

	statusMap, found, _ := unstructured.NestedMap(obj.Object, "status")
	if !found {
		return status
	}

	status.URL, _, _ = unstructured.NestedString(statusMap, "url")

	conditions, found, _ := unstructured.NestedSlice(statusMap, "conditions")
	if found {
		for _, cond := range conditions {
			condMap, ok := cond.(map[string]interface{})
			if !ok {
				continue
			}
			condType, _ := condMap["type"].(string)
			condStatus, _ := condMap["status"].(string)

			if condType == "Ready" {
				status.Ready = condStatus == "True"
				if condStatus == "False" {
					if msg, ok := condMap["message"].(string); ok {
						status.Error = msg
					}
				}
				break
			}
		}
	}

	return status
}
