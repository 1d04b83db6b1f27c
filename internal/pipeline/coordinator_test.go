package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-service/internal/pipeline"
	"github.com/tinywideclouds/go-push-service/internal/render"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

func newCoordinator(store *MockStore, queue *MockQueue) *pipeline.Coordinator {
	logger := newTestLogger()
	return pipeline.NewCoordinator(store, render.New(logger), queue, nil, logger)
}

func testApp() *push.App {
	return &push.App{ID: "app-1", Name: "demo", Active: true, RateLimit: push.DefaultRateLimit}
}

func activeDevice() *push.Device {
	return &push.Device{ID: "dev-1", AppID: "app-1", Token: "tok-1", Platform: push.PlatformAndroid, UserIdentifier: "42", Active: true}
}

func TestUserKey(t *testing.T) {
	testCases := []struct {
		name string
		user map[string]any
		want string
	}{
		{"id wins", map[string]any{"id": "u1", "email": "a@b.c", "name": "Al"}, "u1"},
		{"numeric id", map[string]any{"id": float64(42)}, "42"},
		{"email fallback", map[string]any{"id": "", "email": "a@b.c"}, "a@b.c"},
		{"name fallback", map[string]any{"name": "Al"}, "Al"},
		{"zero id skipped", map[string]any{"id": float64(0), "name": "Al"}, "Al"},
		{"unknown", map[string]any{"role": "admin"}, "unknown"},
		{"nil map", nil, "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, pipeline.UserKey(tc.user))
		})
	}
}

func TestCoordinator_DirectContentSkipsTemplates(t *testing.T) {
	ctx := context.Background()
	store := new(MockStore)
	queue := new(MockQueue)
	coord := newCoordinator(store, queue)

	req := pipeline.SendRequest{
		NotificationType: "welcome",
		DeviceToken:      "tok-1",
		Platform:         push.PlatformAndroid,
		User:             map[string]any{"id": float64(42)},
		Title:            "Hi",
		Body:             "There",
		Data:             map[string]any{"k": "v"},
	}

	store.On("UpsertDevice", ctx, "app-1", "42", push.PlatformAndroid, "tok-1").Return(activeDevice(), true, nil)
	store.On("CreateSendLog", ctx, mock.AnythingOfType("*push.SendLog")).Run(func(args mock.Arguments) {
		log := args.Get(1).(*push.SendLog)
		log.ID = "log-1"
	}).Return(nil)
	queue.On("Submit", ctx, mock.MatchedBy(func(job push.Job) bool {
		return job.SendLogID == "log-1" && job.DeviceID == "dev-1" && job.Title == "Hi" && job.Body == "There" && job.Data["k"] == "v"
	})).Return(nil)

	accepted, err := coord.HandleSendRequest(ctx, testApp(), req)
	require.NoError(t, err)
	assert.Equal(t, &pipeline.Accepted{SendLogID: "log-1", DeviceID: "dev-1"}, accepted)

	store.AssertNotCalled(t, "LatestActiveTemplate", mock.Anything, mock.Anything, mock.Anything)
	created := store.Calls[1].Arguments.Get(1).(*push.SendLog)
	assert.Equal(t, push.StatusPending, created.Status)
	assert.Nil(t, created.TemplateID)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(created.RawRequest, &raw))
	assert.Equal(t, "welcome", raw["notification_type"])
	queue.AssertExpectations(t)
}

func TestCoordinator_RendersLatestTemplate(t *testing.T) {
	ctx := context.Background()
	store := new(MockStore)
	queue := new(MockQueue)
	coord := newCoordinator(store, queue)

	tmpl := &push.Template{
		ID:            "tpl-2",
		AppID:         "app-1",
		Name:          "welcome",
		TitleTemplate: "Hello {user.name}",
		BodyTemplate:  "Welcome back, {user.name}",
		DataTemplate:  json.RawMessage(`{"screen":"home","who":"{user.name}"}`),
		Active:        true,
		Version:       2,
	}
	req := pipeline.SendRequest{
		NotificationType: "welcome",
		DeviceToken:      "tok-1",
		Platform:         push.PlatformAndroid,
		User:             map[string]any{"id": "42", "user": map[string]any{"name": "<b>Bob</b>"}},
		Data:             map[string]any{"screen": "promo"},
	}

	store.On("UpsertDevice", ctx, "app-1", "42", push.PlatformAndroid, "tok-1").Return(activeDevice(), false, nil)
	store.On("LatestActiveTemplate", ctx, "app-1", "welcome").Return(tmpl, nil)
	store.On("CreateSendLog", ctx, mock.AnythingOfType("*push.SendLog")).Run(func(args mock.Arguments) {
		args.Get(1).(*push.SendLog).ID = "log-2"
	}).Return(nil)
	queue.On("Submit", ctx, mock.AnythingOfType("push.Job")).Return(nil)

	_, err := coord.HandleSendRequest(ctx, testApp(), req)
	require.NoError(t, err)

	job := queue.Calls[0].Arguments.Get(1).(push.Job)
	assert.Equal(t, "Hello &lt;b&gt;Bob&lt;/b&gt;", job.Title)
	assert.Equal(t, "Welcome back, &lt;b&gt;Bob&lt;/b&gt;", job.Body)
	assert.Equal(t, "promo", job.Data["screen"])
	assert.Equal(t, "&lt;b&gt;Bob&lt;/b&gt;", job.Data["who"])

	created := store.Calls[2].Arguments.Get(1).(*push.SendLog)
	require.NotNil(t, created.TemplateID)
	assert.Equal(t, "tpl-2", *created.TemplateID)
}

func TestCoordinator_Rejections(t *testing.T) {
	ctx := context.Background()
	req := pipeline.SendRequest{
		NotificationType: "welcome",
		DeviceToken:      "tok-1",
		Platform:         push.PlatformAndroid,
		User:             map[string]any{"id": "42"},
	}

	t.Run("inactive device", func(t *testing.T) {
		store := new(MockStore)
		queue := new(MockQueue)
		inactive := activeDevice()
		inactive.Active = false
		store.On("UpsertDevice", ctx, "app-1", "42", push.PlatformAndroid, "tok-1").Return(inactive, false, nil)

		_, err := newCoordinator(store, queue).HandleSendRequest(ctx, testApp(), req)
		assert.ErrorIs(t, err, push.ErrDeviceInactive)
		store.AssertNotCalled(t, "CreateSendLog", mock.Anything, mock.Anything)
		queue.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("template not found creates no log", func(t *testing.T) {
		store := new(MockStore)
		queue := new(MockQueue)
		store.On("UpsertDevice", ctx, "app-1", "42", push.PlatformAndroid, "tok-1").Return(activeDevice(), true, nil)
		store.On("LatestActiveTemplate", ctx, "app-1", "welcome").Return(nil, push.ErrTemplateNotFound)

		_, err := newCoordinator(store, queue).HandleSendRequest(ctx, testApp(), req)
		assert.ErrorIs(t, err, push.ErrTemplateNotFound)
		store.AssertNotCalled(t, "CreateSendLog", mock.Anything, mock.Anything)
	})

	t.Run("queue unavailable marks log failed", func(t *testing.T) {
		store := new(MockStore)
		queue := new(MockQueue)
		direct := req
		direct.Title, direct.Body = "T", "B"
		store.On("UpsertDevice", ctx, "app-1", "42", push.PlatformAndroid, "tok-1").Return(activeDevice(), true, nil)
		store.On("CreateSendLog", ctx, mock.AnythingOfType("*push.SendLog")).Run(func(args mock.Arguments) {
			args.Get(1).(*push.SendLog).ID = "log-3"
		}).Return(nil)
		queue.On("Submit", ctx, mock.AnythingOfType("push.Job")).Return(errors.New("broker down"))
		store.On("FailSendLog", liveCtx, "log-3", "queue error: broker down", (*push.SendResult)(nil)).Return(nil)

		_, err := newCoordinator(store, queue).HandleSendRequest(ctx, testApp(), direct)
		assert.ErrorIs(t, err, push.ErrQueueUnavailable)
		store.AssertExpectations(t)
	})

	t.Run("cancelled request still marks log failed", func(t *testing.T) {
		reqCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		store := new(MockStore)
		queue := new(MockQueue)
		direct := req
		direct.Title, direct.Body = "T", "B"
		store.On("UpsertDevice", reqCtx, "app-1", "42", push.PlatformAndroid, "tok-1").Return(activeDevice(), true, nil)
		store.On("CreateSendLog", reqCtx, mock.AnythingOfType("*push.SendLog")).Run(func(args mock.Arguments) {
			args.Get(1).(*push.SendLog).ID = "log-4"
		}).Return(nil)
		queue.On("Submit", reqCtx, mock.AnythingOfType("push.Job")).Run(func(mock.Arguments) { cancel() }).Return(context.Canceled)
		store.On("FailSendLog", liveCtx, "log-4", "queue error: context canceled", (*push.SendResult)(nil)).Return(nil)

		_, err := newCoordinator(store, queue).HandleSendRequest(reqCtx, testApp(), direct)
		assert.ErrorIs(t, err, push.ErrQueueUnavailable)
		store.AssertExpectations(t)
	})
}

func TestCoordinator_HandleBulkIsFailSoft(t *testing.T) {
	ctx := context.Background()
	store := new(MockStore)
	queue := new(MockQueue)
	coord := newCoordinator(store, queue)

	item := func(user string) pipeline.SendRequest {
		return pipeline.SendRequest{
			NotificationType: "alert",
			DeviceToken:      "tok-" + user,
			Platform:         push.PlatformWeb,
			User:             map[string]any{"id": user},
			Title:            "T",
			Body:             "B",
		}
	}
	device := func(id string) *push.Device {
		return &push.Device{ID: "dev-" + id, AppID: "app-1", Token: "tok-" + id, Platform: push.PlatformWeb, Active: true}
	}

	store.On("UpsertDevice", ctx, "app-1", "a", push.PlatformWeb, "tok-a").Return(device("a"), true, nil)
	store.On("UpsertDevice", ctx, "app-1", "b", push.PlatformWeb, "tok-b").Return(nil, false, errors.New("db exploded"))
	store.On("UpsertDevice", ctx, "app-1", "c", push.PlatformWeb, "tok-c").Return(device("c"), true, nil)
	store.On("CreateSendLog", ctx, mock.AnythingOfType("*push.SendLog")).Run(func(args mock.Arguments) {
		log := args.Get(1).(*push.SendLog)
		log.ID = "log-" + log.DeviceID
	}).Return(nil)
	queue.On("Submit", ctx, mock.AnythingOfType("push.Job")).Return(nil)

	results := coord.HandleBulk(ctx, testApp(), []pipeline.SendRequest{item("a"), item("b"), item("c")})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, "log-dev-a", results[0].Accepted.SendLogID)
	assert.Error(t, results[1].Err)
	assert.Nil(t, results[1].Accepted)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, "dev-c", results[2].Accepted.DeviceID)
}

func TestCoordinator_HandleBulkRecoversPanics(t *testing.T) {
	ctx := context.Background()
	store := new(MockStore)
	queue := new(MockQueue)
	coord := newCoordinator(store, queue)

	store.On("UpsertDevice", ctx, "app-1", "a", push.PlatformIOS, "tok").Run(func(mock.Arguments) {
		panic("boom")
	}).Return(nil, false, nil)

	results := coord.HandleBulk(ctx, testApp(), []pipeline.SendRequest{{
		NotificationType: "x",
		DeviceToken:      "tok",
		Platform:         push.PlatformIOS,
		User:             map[string]any{"id": "a"},
		Title:            "T",
		Body:             "B",
	}})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, pipeline.ErrInternal)
}
