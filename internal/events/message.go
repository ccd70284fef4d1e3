package events

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "Protego-Vault/internal/errors"
	"Protego-Vault/internal/vault"
)

// Message 是对外发布的事件载荷，金额以十进制字符串表示。
type Message struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Name      string    `json:"name"`
	Topic     string    `json:"topic"`
	Operation string    `json:"operation"`
	Caller    string    `json:"caller"`
	Time      time.Time `json:"time"`
	Sender    string    `json:"sender,omitempty"`
	Receiver  string    `json:"receiver,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Spender   string    `json:"spender,omitempty"`
	Previous  string    `json:"previous,omitempty"`
	Current   string    `json:"current,omitempty"`
	Assets    string    `json:"assets,omitempty"`
	Shares    string    `json:"shares,omitempty"`
}

// eventNamespace scopes the name-based event IDs.
var eventNamespace = uuid.MustParse("6f1b4c52-3c8e-4d7a-9b0e-5a2f7d9e1c44")

// EventID 返回事件的确定性标识，同一事件在日志与消息队列中的 ID 一致。
func EventID(e vault.Event) string {
	return uuid.NewSHA1(eventNamespace, []byte(fmt.Sprintf("%d/%s/%d", e.Seq, e.Name, e.Time.UnixNano()))).String()
}

// FromCommit 将一次提交中的事件转换为消息。
func FromCommit(commit vault.Commit) []Message {
	out := make([]Message, 0, len(commit.Events))
	for _, e := range commit.Events {
		out = append(out, Message{
			ID:        EventID(e),
			Seq:       e.Seq,
			Name:      string(e.Name),
			Topic:     e.Topic.Hex(),
			Operation: commit.Operation,
			Caller:    commit.Caller.Hex(),
			Time:      e.Time,
			Sender:    addressText(e.Sender, e.Name == vault.EventTransfer),
			Receiver:  addressText(e.Receiver, e.Name == vault.EventTransfer),
			Owner:     addressText(e.Owner, false),
			Spender:   addressText(e.Spender, false),
			Previous:  addressText(e.Previous, false),
			Current:   addressText(e.Current, false),
			Assets:    amountText(e.Assets),
			Shares:    amountText(e.Shares),
		})
	}
	return out
}

// Event 将消息还原为金库事件。
func (m Message) Event() (vault.Event, error) {
	e := vault.Event{
		Seq:      m.Seq,
		Name:     vault.EventName(m.Name),
		Topic:    common.HexToHash(m.Topic),
		Time:     m.Time,
		Sender:   parseAddress(m.Sender),
		Receiver: parseAddress(m.Receiver),
		Owner:    parseAddress(m.Owner),
		Spender:  parseAddress(m.Spender),
		Previous: parseAddress(m.Previous),
		Current:  parseAddress(m.Current),
	}
	var err error
	if e.Assets, err = parseAmount("assets", m.Assets); err != nil {
		return vault.Event{}, err
	}
	if e.Shares, err = parseAmount("shares", m.Shares); err != nil {
		return vault.Event{}, err
	}
	return e, nil
}

// Encode 序列化消息。
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode 反序列化消息。
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode event message")
	}
	return m, nil
}

// addressText renders an address, keeping the zero address only where it
// carries meaning (mint and burn transfers).
func addressText(addr common.Address, keepZero bool) string {
	if addr == (common.Address{}) && !keepZero {
		return ""
	}
	return addr.Hex()
}

func amountText(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "malformed amount", xerrors.WithMetadata("field", field))
	}
	return v, nil
}
