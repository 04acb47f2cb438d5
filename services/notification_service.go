package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"mahoyaAPI/internal/notification"
)

type NotificationService struct {
	store      Store
	dispatcher *NotificationDispatcher
}

func NewNotificationService(store Store, dispatcher *NotificationDispatcher) *NotificationService {
	return &NotificationService{store: store, dispatcher: dispatcher}
}

func (s *NotificationService) RegisterDevice(ctx context.Context, userID string, req notification.RegisterDeviceRequest) (*notification.DeviceToken, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	device := notification.DeviceToken{
		UserID:    userID,
		Token:     req.Token,
		Platform:  req.Platform,
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}
	log.Printf("RegisterDevice: %s registered a %s device", userID, device.Platform)
	return &device, nil
}

// Notify queues a push to every device of userID. Failures are logged only;
// a missing push never fails the operation that triggered it.
func (s *NotificationService) Notify(ctx context.Context, userID string, msg notification.Message) {
	if s == nil || s.dispatcher == nil {
		return
	}
	devices, err := s.store.ListDevices(ctx, userID)
	if err != nil {
		log.Printf("Notify: failed to list devices for %s: %v", userID, err)
		return
	}
	if len(devices) == 0 {
		return
	}
	s.dispatcher.Dispatch(&DispatchJob{UserID: userID, Tokens: devices, Message: msg})
}
