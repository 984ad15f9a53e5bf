package capability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCall_Success(t *testing.T) {
	res := Call(context.Background(), time.Second, func(ctx context.Context) (string, error) {
		return "done", nil
	})
	if !res.OK() || res.Text != "done" {
		t.Errorf("res = %+v, want OK with text", res)
	}
}

func TestCall_Error(t *testing.T) {
	boom := errors.New("boom")
	res := Call(context.Background(), time.Second, func(ctx context.Context) (string, error) {
		return "", boom
	})
	if res.OK() {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, boom) {
		t.Errorf("err = %v, want boom", res.Err)
	}
}

func TestCall_Timeout(t *testing.T) {
	res := Call(context.Background(), 20*time.Millisecond, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if !errors.Is(res.Err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", res.Err)
	}
}

func TestCall_Panic(t *testing.T) {
	res := Call(context.Background(), 0, func(ctx context.Context) (string, error) {
		panic("nil map")
	})
	if res.OK() || !strings.Contains(res.Err.Error(), "nil map") {
		t.Errorf("res = %+v, want recovered panic", res)
	}
}

func TestResult_Content(t *testing.T) {
	if got := (Result{Text: "ok"}).Content("web"); got != "ok" {
		t.Errorf("Content = %q", got)
	}
	got := (Result{Err: errors.New("offline")}).Content("검색 중 오류 발생")
	if got != "검색 중 오류 발생: offline" {
		t.Errorf("Content = %q", got)
	}
}
