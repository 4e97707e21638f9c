package transport

import (
	"fmt"
	"sort"

	tsaeerrors "github.com/bastiqui/TSAE75644-2024/internal/errors"
	"github.com/bastiqui/TSAE75644-2024/internal/model"
	"google.golang.org/protobuf/encoding/protowire"
)

// Frames use the protobuf wire format. The schema, in proto3 terms:
//
//	message Timestamp { string origin = 1; sint64 seq = 2; }
//	message Recipe { string title = 1; string body = 2; string author = 3; Timestamp timestamp = 4; }
//	message AddOperation { Recipe recipe = 1; }
//	message RemoveOperation { string title = 1; Timestamp recipe_timestamp = 2; Timestamp timestamp = 3; }
//	message Operation { oneof kind { AddOperation add = 1; RemoveOperation remove = 2; } }
//	message AckRow { string replica = 1; repeated Timestamp entries = 2; }
//	message Message {
//	  int32 type = 1; string session_id = 2;
//	  repeated Timestamp summary = 3; repeated AckRow ack = 4; Operation operation = 5;
//	}

const (
	fieldMessageType      protowire.Number = 1
	fieldMessageSessionID protowire.Number = 2
	fieldMessageSummary   protowire.Number = 3
	fieldMessageAck       protowire.Number = 4
	fieldMessageOperation protowire.Number = 5

	fieldTimestampOrigin protowire.Number = 1
	fieldTimestampSeq    protowire.Number = 2

	fieldRecipeTitle     protowire.Number = 1
	fieldRecipeBody      protowire.Number = 2
	fieldRecipeAuthor    protowire.Number = 3
	fieldRecipeTimestamp protowire.Number = 4

	fieldOperationAdd    protowire.Number = 1
	fieldOperationRemove protowire.Number = 2

	fieldAddRecipe protowire.Number = 1

	fieldRemoveTitle           protowire.Number = 1
	fieldRemoveRecipeTimestamp protowire.Number = 2
	fieldRemoveTimestamp       protowire.Number = 3

	fieldAckRowReplica protowire.Number = 1
	fieldAckRowEntries protowire.Number = 2
)

// EncodeMessage serializes msg into a frame
func EncodeMessage(msg *model.Message) ([]byte, error) {
	if msg == nil {
		return nil, tsaeerrors.InvalidArgument("nil message", nil)
	}

	var b []byte
	b = protowire.AppendTag(b, fieldMessageType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Type))
	b = appendString(b, fieldMessageSessionID, msg.SessionID)

	for _, origin := range sortedKeys(msg.Summary) {
		b = appendMessage(b, fieldMessageSummary, encodeTimestamp(model.NewTimestamp(origin, msg.Summary[origin])))
	}
	for _, replica := range sortedKeys(msg.Ack) {
		b = appendMessage(b, fieldMessageAck, encodeAckRow(replica, msg.Ack[replica]))
	}

	if msg.Operation != nil {
		op, err := encodeOperation(msg.Operation)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, fieldMessageOperation, op)
	}
	return b, nil
}

// DecodeMessage parses and validates a frame. Failures are DecodeErrors.
func DecodeMessage(data []byte) (*model.Message, error) {
	msg := &model.Message{}

	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldMessageType:
			v, n, err := consumeVarint(typ, b)
			msg.Type = model.MessageType(int32(v))
			return n, err
		case fieldMessageSessionID:
			v, n, err := consumeBytes(typ, b)
			msg.SessionID = string(v)
			return n, err
		case fieldMessageSummary:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			ts, err := decodeTimestamp(v)
			if err != nil {
				return n, fmt.Errorf("summary: %w", err)
			}
			if msg.Summary == nil {
				msg.Summary = make(model.VectorSnapshot)
			}
			msg.Summary[ts.Origin] = ts.Seq
			return n, nil
		case fieldMessageAck:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			replica, row, err := decodeAckRow(v)
			if err != nil {
				return n, fmt.Errorf("ack: %w", err)
			}
			if msg.Ack == nil {
				msg.Ack = make(model.AckSnapshot)
			}
			msg.Ack[replica] = row
			return n, nil
		case fieldMessageOperation:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			op, err := decodeOperation(v)
			if err != nil {
				return n, fmt.Errorf("operation: %w", err)
			}
			msg.Operation = op
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, tsaeerrors.Decode("malformed frame", err)
	}

	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func validateMessage(msg *model.Message) error {
	if msg.SessionID == "" {
		return tsaeerrors.Decode("frame without session id", nil)
	}
	switch msg.Type {
	case model.MessageTypeAERequest:
		if msg.Summary == nil {
			msg.Summary = make(model.VectorSnapshot)
		}
		if msg.Ack == nil {
			msg.Ack = make(model.AckSnapshot)
		}
	case model.MessageTypeOperation:
		if msg.Operation == nil {
			return tsaeerrors.Decode("OPERATION frame without operation", nil)
		}
	case model.MessageTypeEndTSAE:
	default:
		return tsaeerrors.Decode(fmt.Sprintf("unknown message type %d", int32(msg.Type)), nil).
			WithDetail("type", int32(msg.Type))
	}
	return nil
}

func encodeTimestamp(ts model.Timestamp) []byte {
	var b []byte
	b = appendString(b, fieldTimestampOrigin, ts.Origin)
	b = protowire.AppendTag(b, fieldTimestampSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(ts.Seq))
	return b
}

func decodeTimestamp(data []byte) (model.Timestamp, error) {
	ts := model.NullTimestamp("")
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldTimestampOrigin:
			v, n, err := consumeBytes(typ, b)
			ts.Origin = string(v)
			return n, err
		case fieldTimestampSeq:
			v, n, err := consumeVarint(typ, b)
			ts.Seq = protowire.DecodeZigZag(v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return ts, err
	}
	if ts.Origin == "" {
		return ts, fmt.Errorf("timestamp without origin")
	}
	return ts, nil
}

func encodeAckRow(replica model.ReplicaID, row model.VectorSnapshot) []byte {
	b := appendString(nil, fieldAckRowReplica, replica)
	for _, origin := range sortedKeys(row) {
		b = appendMessage(b, fieldAckRowEntries, encodeTimestamp(model.NewTimestamp(origin, row[origin])))
	}
	return b
}

func decodeAckRow(data []byte) (model.ReplicaID, model.VectorSnapshot, error) {
	var replica model.ReplicaID
	row := make(model.VectorSnapshot)
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldAckRowReplica:
			v, n, err := consumeBytes(typ, b)
			replica = string(v)
			return n, err
		case fieldAckRowEntries:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			ts, err := decodeTimestamp(v)
			if err != nil {
				return n, err
			}
			row[ts.Origin] = ts.Seq
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return "", nil, err
	}
	if replica == "" {
		return "", nil, fmt.Errorf("ack row without replica")
	}
	return replica, row, nil
}

func encodeOperation(op model.Operation) ([]byte, error) {
	switch o := op.(type) {
	case *model.AddOperation:
		var recipe []byte
		recipe = appendString(recipe, fieldRecipeTitle, o.Recipe.Title)
		recipe = appendString(recipe, fieldRecipeBody, o.Recipe.Body)
		recipe = appendString(recipe, fieldRecipeAuthor, o.Recipe.Author)
		recipe = appendMessage(recipe, fieldRecipeTimestamp, encodeTimestamp(o.Recipe.Timestamp))
		add := appendMessage(nil, fieldAddRecipe, recipe)
		return appendMessage(nil, fieldOperationAdd, add), nil
	case *model.RemoveOperation:
		var remove []byte
		remove = appendString(remove, fieldRemoveTitle, o.Title)
		remove = appendMessage(remove, fieldRemoveRecipeTimestamp, encodeTimestamp(o.RecipeTimestamp))
		remove = appendMessage(remove, fieldRemoveTimestamp, encodeTimestamp(o.TS))
		return appendMessage(nil, fieldOperationRemove, remove), nil
	default:
		return nil, tsaeerrors.InvalidArgument(fmt.Sprintf("unsupported operation %T", op), nil)
	}
}

func decodeOperation(data []byte) (model.Operation, error) {
	var op model.Operation
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldOperationAdd:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			add, err := decodeAdd(v)
			op = add
			return n, err
		case fieldOperationRemove:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			remove, err := decodeRemove(v)
			op = remove
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("operation without kind")
	}
	return op, nil
}

func decodeAdd(data []byte) (*model.AddOperation, error) {
	var recipe *model.Recipe
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldAddRecipe {
			return 0, nil
		}
		v, n, err := consumeBytes(typ, b)
		if err != nil {
			return n, err
		}
		recipe, err = decodeRecipe(v)
		return n, err
	})
	if err != nil {
		return nil, err
	}
	if recipe == nil {
		return nil, fmt.Errorf("add without recipe")
	}
	return model.NewAddOperation(*recipe), nil
}

func decodeRecipe(data []byte) (*model.Recipe, error) {
	recipe := &model.Recipe{}
	hasTimestamp := false
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldRecipeTitle:
			v, n, err := consumeBytes(typ, b)
			recipe.Title = string(v)
			return n, err
		case fieldRecipeBody:
			v, n, err := consumeBytes(typ, b)
			recipe.Body = string(v)
			return n, err
		case fieldRecipeAuthor:
			v, n, err := consumeBytes(typ, b)
			recipe.Author = string(v)
			return n, err
		case fieldRecipeTimestamp:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			recipe.Timestamp, err = decodeTimestamp(v)
			hasTimestamp = true
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if !hasTimestamp {
		return nil, fmt.Errorf("recipe without timestamp")
	}
	return recipe, nil
}

func decodeRemove(data []byte) (*model.RemoveOperation, error) {
	remove := &model.RemoveOperation{}
	var hasTarget, hasTimestamp bool
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldRemoveTitle:
			v, n, err := consumeBytes(typ, b)
			remove.Title = string(v)
			return n, err
		case fieldRemoveRecipeTimestamp:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			remove.RecipeTimestamp, err = decodeTimestamp(v)
			hasTarget = true
			return n, err
		case fieldRemoveTimestamp:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			remove.TS, err = decodeTimestamp(v)
			hasTimestamp = true
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if !hasTarget || !hasTimestamp {
		return nil, fmt.Errorf("remove without timestamps")
	}
	return remove, nil
}

// consumeFields walks the fields of one encoded message. fn returns the
// number of bytes it consumed, or 0 to have an unknown field skipped.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func sortedKeys[V any](m map[model.ReplicaID]V) []model.ReplicaID {
	keys := make([]model.ReplicaID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
