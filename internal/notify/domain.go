package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lalithlochan/beacon/internal/event"
)

// Service lifecycle emissions. Producers call these instead of composing titles themselves.

// ServiceRef identifies the service order a notification refers to.
type ServiceRef struct {
	ID   string `json:"serviceId"`
	Name string `json:"serviceName,omitempty"`
}

func (r ServiceRef) label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

func (r ServiceRef) data(extra map[string]string) json.RawMessage {
	payload := map[string]string{"serviceId": r.ID}
	if r.Name != "" {
		payload["serviceName"] = r.Name
	}
	for k, v := range extra {
		if v != "" {
			payload[k] = v
		}
	}
	b, _ := json.Marshal(payload)
	return b
}

// ServiceRequested tells every admin that a client asked for a service.
func (s *Service) ServiceRequested(ctx context.Context, adminIDs []string, svc ServiceRef, clientName string) ([]*event.Notification, error) {
	return s.CreateMany(ctx, adminIDs, Input{
		Type:    event.TypeServiceRequested,
		Title:   "New service request",
		Message: fmt.Sprintf("%s requested %s", orSomeone(clientName), svc.label()),
		Data:    svc.data(map[string]string{"clientName": clientName}),
	})
}

// ServiceAssigned tells the employee they were assigned to a service.
func (s *Service) ServiceAssigned(ctx context.Context, employeeID string, svc ServiceRef) (*event.Notification, error) {
	return s.Create(ctx, Input{
		UserID:  employeeID,
		Type:    event.TypeServiceAssigned,
		Title:   "Service assigned",
		Message: fmt.Sprintf("You have been assigned to %s", svc.label()),
		Data:    svc.data(nil),
	})
}

// ServiceAssignedToClient tells the client who will carry out their service.
func (s *Service) ServiceAssignedToClient(ctx context.Context, clientID string, svc ServiceRef, employeeName string) (*event.Notification, error) {
	return s.Create(ctx, Input{
		UserID:  clientID,
		Type:    event.TypeServiceAssignedToClient,
		Title:   "Your service has been assigned",
		Message: fmt.Sprintf("%s will handle %s", orSomeone(employeeName), svc.label()),
		Data:    svc.data(map[string]string{"employeeName": employeeName}),
	})
}

// ServiceStarted tells the client work on their service began.
func (s *Service) ServiceStarted(ctx context.Context, clientID string, svc ServiceRef) (*event.Notification, error) {
	return s.Create(ctx, Input{
		UserID:  clientID,
		Type:    event.TypeServiceStarted,
		Title:   "Service started",
		Message: fmt.Sprintf("Work on %s has started", svc.label()),
		Data:    svc.data(nil),
	})
}

func (s *Service) ServiceCompleted(ctx context.Context, clientID string, svc ServiceRef) (*event.Notification, error) {
	return s.Create(ctx, Input{
		UserID:  clientID,
		Type:    event.TypeServiceCompleted,
		Title:   "Service completed",
		Message: fmt.Sprintf("%s has been completed", svc.label()),
		Data:    svc.data(nil),
	})
}

// ServiceCompletedAdmin is the admin-side counterpart of ServiceCompleted.
func (s *Service) ServiceCompletedAdmin(ctx context.Context, adminIDs []string, svc ServiceRef, employeeName string) ([]*event.Notification, error) {
	return s.CreateMany(ctx, adminIDs, Input{
		Type:    event.TypeServiceCompletedAdmin,
		Title:   "Service completed",
		Message: fmt.Sprintf("%s completed %s", orSomeone(employeeName), svc.label()),
		Data:    svc.data(map[string]string{"employeeName": employeeName}),
	})
}

// DocumentCreated tells userID a document was attached to the service.
func (s *Service) DocumentCreated(ctx context.Context, userID string, svc ServiceRef, documentName string) (*event.Notification, error) {
	return s.Create(ctx, Input{
		UserID:  userID,
		Type:    event.TypeDocumentCreated,
		Title:   "New document available",
		Message: fmt.Sprintf("%s was added to %s", orDefault(documentName, "A document"), svc.label()),
		Data:    svc.data(map[string]string{"documentName": documentName}),
	})
}

func (s *Service) InspectionCreated(ctx context.Context, userID string, svc ServiceRef) (*event.Notification, error) {
	return s.Create(ctx, Input{
		UserID:  userID,
		Type:    event.TypeInspectionCreated,
		Title:   "Inspection recorded",
		Message: fmt.Sprintf("An inspection was recorded for %s", svc.label()),
		Data:    svc.data(nil),
	})
}

func orSomeone(name string) string {
	return orDefault(name, "Someone")
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
