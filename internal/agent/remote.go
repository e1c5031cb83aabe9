package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "CareerCopilot/internal/errors"
	"CareerCopilot/internal/protocol"
)

const (
	agentCardPath     = "/.well-known/agent.json"
	remoteCallTimeout = 120 * time.Second
	remotePollWait    = 500 * time.Millisecond
)

// FetchAgentCard 拉取远程智能体的名片。
func FetchAgentCard(ctx context.Context, endpoint string) (*protocol.AgentCard, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "远程智能体地址不能为空")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+agentCardPath, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "构造名片请求失败")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "拉取智能体名片失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("拉取智能体名片返回状态 %d", resp.StatusCode))
	}
	var card protocol.AgentCard
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&card); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析智能体名片失败")
	}
	if strings.TrimSpace(card.Name) == "" {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "智能体名片缺少名称")
	}
	return &card, nil
}

// RemoteAgent 通过 JSON-RPC 调用部署在别处的智能体。
type RemoteAgent struct {
	endpoint   string
	card       protocol.AgentCard
	httpClient *http.Client
}

// NewRemoteAgent 创建远程智能体客户端。
func NewRemoteAgent(endpoint string, card protocol.AgentCard) *RemoteAgent {
	return &RemoteAgent{
		endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		card:       card,
		httpClient: &http.Client{Timeout: remoteCallTimeout},
	}
}

// Card 返回缓存的名片。
func (a *RemoteAgent) Card() protocol.AgentCard {
	return a.card
}

// Invoke 通过 task/send 下发任务，并轮询 task/get 直到任务进入终态。
func (a *RemoteAgent) Invoke(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	params := protocol.TaskSendParams{
		ID:                  uuid.NewString(),
		SessionID:           req.SessionID,
		Message:             req.Message,
		AcceptedOutputModes: req.AcceptedOutputModes,
		Metadata:            req.Metadata,
	}
	var snapshot protocol.Task
	if err := a.call(ctx, protocol.MethodTaskSend, params, &snapshot); err != nil {
		return nil, err
	}

	ticker := time.NewTicker(remotePollWait)
	defer ticker.Stop()
	for !snapshot.Status.State.Final() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if err := a.call(ctx, protocol.MethodTaskGet, protocol.TaskQueryParams{ID: params.ID}, &snapshot); err != nil {
			return nil, err
		}
		if snapshot.Status.Message != nil {
			emit.Emit(Update{Progress: snapshot.Status.Progress, StatusText: snapshot.Status.Message.Text()})
		}
	}

	switch snapshot.Status.State {
	case protocol.TaskStateCompleted:
		result := &Result{Artifacts: snapshot.Artifacts}
		if snapshot.Status.Message != nil {
			result.Reply = snapshot.Status.Message.Text()
		}
		return result, nil
	case protocol.TaskStateCanceled:
		return nil, xerrors.New(xerrors.CodeCanceled, "远程任务被取消")
	default:
		return nil, xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("远程任务失败: %s", snapshot.Status.Error),
			xerrors.WithRetryable(true))
	}
}

func (a *RemoteAgent) call(ctx context.Context, method string, params any, result any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "序列化远程调用参数失败")
	}
	payload, err := json.Marshal(protocol.Request{
		JSONRPC: protocol.Version,
		ID:      uuid.NewString(),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "序列化远程调用请求失败")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/a2a", bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "构造远程调用请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "远程调用失败", xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("远程调用返回状态 %d", resp.StatusCode),
			xerrors.WithRetryable(resp.StatusCode >= http.StatusInternalServerError))
	}

	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *protocol.Error `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析远程调用响应失败")
	}
	if envelope.Error != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, envelope.Error, "远程智能体返回错误")
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析远程调用结果失败")
		}
	}
	return nil
}

var _ Agent = (*RemoteAgent)(nil)
