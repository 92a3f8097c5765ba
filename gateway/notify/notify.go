package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"nft-market-back-ledger/logging"
)

// Notifier は外部バックエンドへの通知を担当
type Notifier interface {
	// Notify は payload を JSON でバックエンドの endpoint に POST する
	Notify(ctx context.Context, endpoint string, payload interface{}) error
}

// RestNotifier は resty を使った Notifier
type RestNotifier struct {
	client *resty.Client
}

// NewRestNotifier はバックエンドのベースURLとリトライ回数を受け取る
func NewRestNotifier(backendBaseURL string, retries int) *RestNotifier {
	client := resty.New().
		SetBaseURL(backendBaseURL).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// 通信エラーとサーバーエラーのみリトライ
			return err != nil || r.StatusCode() >= 500
		})
	return &RestNotifier{client: client}
}

func (n *RestNotifier) Notify(ctx context.Context, endpoint string, payload interface{}) error {
	res, err := n.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(endpoint)
	if err != nil {
		return errors.Wrapf(err, "failed to notify backend %s", endpoint)
	}
	if res.IsError() {
		logging.L(ctx).Warnf("Backend returned status %d for %s: %s", res.StatusCode(), endpoint, res.String())
		return errors.Errorf("backend returned status %d for %s", res.StatusCode(), endpoint)
	}
	return nil
}

// LogNotifier は通知先が設定されていない場合にイベントをログに出すだけの Notifier
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, endpoint string, payload interface{}) error {
	logging.L(ctx).Debugf("Event %s: %v", endpoint, payload)
	return nil
}
