package events

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var errDone = errors.New("done")

func TestHubDeliversEvents(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	received := make(chan models.ProvisioningEvent, 2)
	done := make(chan error, 1)
	go func() {
		done <- Subscribe(context.Background(), url, nil, func(e models.ProvisioningEvent) error {
			received <- e
			if e.Status == models.InstanceStatusConfirmed {
				return errDone
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(models.ProvisioningEvent{RequestID: "r1", Instance: "a.alice.factory", Status: models.InstanceStatusPending})
	hub.Publish(models.ProvisioningEvent{RequestID: "r1", Instance: "a.alice.factory", Status: models.InstanceStatusConfirmed})

	first := <-received
	second := <-received
	require.Equal(t, models.InstanceStatusPending, first.Status)
	require.Equal(t, models.InstanceStatusConfirmed, second.Status)
	require.Equal(t, "a.alice.factory", second.Instance)
	require.ErrorIs(t, <-done, errDone)

	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	done := make(chan error, 1)
	go func() {
		done <- Subscribe(context.Background(), url, nil, func(models.ProvisioningEvent) error { return nil })
	}()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end")
	}
}

func TestSubscribeCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := NewHub(logger)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	done := make(chan error, 1)
	go func() {
		done <- Subscribe(ctx, url, nil, func(models.ProvisioningEvent) error { return nil })
	}()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
