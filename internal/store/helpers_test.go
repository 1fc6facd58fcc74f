package store

import (
	"github.com/convsync/internal/model"
	"github.com/convsync/internal/remote"
)

func remoteSend(to, content string) remote.SendRequest {
	return remote.SendRequest{ReceiverID: to, Content: content, Kind: model.MessageKindText}
}
