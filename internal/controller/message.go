package controller

import (
	"context"

	"github.com/sirupsen/logrus"
)

// 控制通道支持的消息类型。
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageGetVersion  = "GET_VERSION"
)

// Message 是控制通道的统一载荷，派发只看 type 字段。
type Message struct {
	Type string `json:"type"`
}

// VersionReply 是 GET_VERSION 的同步应答体。
type VersionReply struct {
	Version string `json:"version"`
}

// HandleMessage 派发控制消息：SKIP_WAITING 立即激活、无应答；GET_VERSION
// 同步返回配置的版本号；未知类型静默忽略，不算错误。
func (ctrl *Controller) HandleMessage(ctx context.Context, msg Message) (*VersionReply, error) {
	switch msg.Type {
	case MessageSkipWaiting:
		ctrl.SkipWaiting(ctx)
		return nil, nil
	case MessageGetVersion:
		return &VersionReply{Version: ctrl.Version()}, nil
	default:
		ctrl.logger.WithFields(logrus.Fields{
			"action": "message",
			"site":   ctrl.Site(),
			"type":   msg.Type,
		}).Debug("message_ignored")
		return nil, nil
	}
}
