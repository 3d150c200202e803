// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: June 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/benbjohnson/clock"
)

// DynamoAPI is the slice of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// dynamoPK is the table's partition key attribute.
const dynamoPK = "counter_id"

// DynamoStore keeps one item per row in a DynamoDB table whose partition key
// is counter_id. Conditional updates map directly onto UpdateItem with
// if_not_exists arithmetic; the platform TTL reaper owns the ttl attribute,
// and reads additionally filter rows the reaper has not collected yet.
//
// AddFloor has no native equivalent, so it runs as a conditional add with a
// clamp-to-floor fallback; the two steps are individually atomic and the
// fallback never lowers a value a concurrent writer pushed back above the
// guard.
type DynamoStore struct {
	client DynamoAPI
	table  string
	clock  clock.Clock
}

// DynamoOption tweaks a DynamoStore.
type DynamoOption func(*DynamoStore)

// WithDynamoClock substitutes the clock used for read-side ttl filtering.
func WithDynamoClock(c clock.Clock) DynamoOption {
	return func(s *DynamoStore) { s.clock = c }
}

// NewDynamoStore builds a store over the given client and table.
func NewDynamoStore(client DynamoAPI, table string, opts ...DynamoOption) *DynamoStore {
	s := &DynamoStore{client: client, table: table, clock: clock.New()}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ Store = (*DynamoStore)(nil)

func (s *DynamoStore) Get(ctx context.Context, key string) (Row, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            dynamoKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Row{}, fmt.Errorf("dynamo get %s: %w", key, err)
	}
	if out.Item == nil {
		return Row{}, ErrNotFound
	}
	row := decodeDynamoItem(key, out.Item)
	if row.Expired(s.clock.Now()) {
		return Row{}, ErrNotFound
	}
	return row, nil
}

func (s *DynamoStore) Update(ctx context.Context, key string, ops []Op, conds []Cond) (Row, error) {
	var floorOp *Op
	plain := make([]Op, 0, len(ops))
	for i := range ops {
		if ops[i].kind == opAddFloor {
			if floorOp != nil {
				return Row{}, errors.New("counter: at most one AddFloor per update")
			}
			floorOp = &ops[i]
			continue
		}
		plain = append(plain, ops[i])
	}

	if floorOp == nil {
		row, err := s.updateItem(ctx, key, plain, conds, "")
		if err != nil {
			return Row{}, err
		}
		return row, nil
	}

	// Clamped add: try the straight add while the result stays >= floor,
	// otherwise pin the field to the floor. Each branch is conditional, so
	// a concurrent writer only ever forces another iteration.
	guard := floorOp.floor - floorOp.num // result >= floor  <=>  current >= guard
	for attempt := 0; attempt < 4; attempt++ {
		addOps := append(append([]Op{}, plain...), Add(floorOp.field, floorOp.num))
		row, err := s.updateItem(ctx, key, addOps, conds, fmt.Sprintf("#fg >= :fg|%s|%d", floorOp.field, guard))
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, ErrConditionFailed) {
			return Row{}, err
		}
		// The caller's own conds may be what failed; re-check them alone so
		// a genuine condition failure is not retried as a clamp.
		if len(conds) > 0 {
			cur, cerr := s.Get(ctx, key)
			if cerr != nil && !errors.Is(cerr, ErrNotFound) {
				return Row{}, cerr
			}
			if !evalConds(cur.Attrs, conds) {
				return Row{}, ErrConditionFailed
			}
		}
		pinOps := append(append([]Op{}, plain...), Set(floorOp.field, floorOp.floor))
		row, err = s.updateItem(ctx, key, pinOps, conds, fmt.Sprintf("attribute_not_exists(#fg) OR #fg < :fg|%s|%d", floorOp.field, guard))
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, ErrConditionFailed) {
			return Row{}, err
		}
	}
	return Row{}, fmt.Errorf("dynamo update %s: clamped add did not settle", key)
}

// updateItem runs one UpdateItem call. extraCond, when non-empty, is
// "expr|field|bound" where expr references #fg and :fg.
func (s *DynamoStore) updateItem(ctx context.Context, key string, ops []Op, conds []Cond, extraCond string) (Row, error) {
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	var sets []string

	for i, op := range ops {
		ph := fmt.Sprintf("#f%d", i)
		vph := fmt.Sprintf(":v%d", i)
		names[ph] = op.field
		switch op.kind {
		case opSet:
			values[vph] = encodeDynamoValue(op)
			sets = append(sets, fmt.Sprintf("%s = %s", ph, vph))
		case opAdd:
			values[vph] = &types.AttributeValueMemberN{Value: strconv.FormatInt(op.num, 10)}
			if _, ok := values[":zero"]; !ok {
				values[":zero"] = &types.AttributeValueMemberN{Value: "0"}
			}
			sets = append(sets, fmt.Sprintf("%s = if_not_exists(%s, :zero) + %s", ph, ph, vph))
		default:
			return Row{}, fmt.Errorf("counter: op kind %d not valid here", op.kind)
		}
	}

	var condParts []string
	for i, c := range conds {
		part, err := dynamoCond(c, i, names, values)
		if err != nil {
			return Row{}, err
		}
		condParts = append(condParts, part)
	}
	if extraCond != "" {
		seg := strings.SplitN(extraCond, "|", 3)
		names["#fg"] = seg[1]
		values[":fg"] = &types.AttributeValueMemberN{Value: seg[2]}
		condParts = append(condParts, "("+seg[0]+")")
	}

	in := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       dynamoKey(key),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	}
	if len(condParts) > 0 {
		in.ConditionExpression = aws.String(strings.Join(condParts, " AND "))
	}

	out, err := s.client.UpdateItem(ctx, in)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return Row{}, ErrConditionFailed
		}
		return Row{}, fmt.Errorf("dynamo update %s: %w", key, err)
	}
	return decodeDynamoItem(key, out.Attributes), nil
}

func (s *DynamoStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       dynamoKey(key),
	})
	if err != nil {
		return fmt.Errorf("dynamo delete %s: %w", key, err)
	}
	return nil
}

func (s *DynamoStore) Scan(ctx context.Context, prefix string, fn func(Row) bool) error {
	now := s.clock.Now()
	var start map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.table),
			FilterExpression:          aws.String("begins_with(#pk, :p)"),
			ExpressionAttributeNames:  map[string]string{"#pk": dynamoPK},
			ExpressionAttributeValues: map[string]types.AttributeValue{":p": &types.AttributeValueMemberS{Value: prefix}},
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return fmt.Errorf("dynamo scan %s: %w", prefix, err)
		}
		for _, item := range out.Items {
			pk, ok := item[dynamoPK].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			row := decodeDynamoItem(pk.Value, item)
			if row.Expired(now) {
				continue
			}
			if !fn(row) {
				return nil
			}
		}
		if out.LastEvaluatedKey == nil {
			return nil
		}
		start = out.LastEvaluatedKey
	}
}

func dynamoKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamoPK: &types.AttributeValueMemberS{Value: key},
	}
}

func encodeDynamoValue(op Op) types.AttributeValue {
	switch {
	case op.isNum:
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(op.num, 10)}
	case op.isBool:
		return &types.AttributeValueMemberBOOL{Value: op.str == "true"}
	default:
		return &types.AttributeValueMemberS{Value: op.str}
	}
}

func dynamoCond(c Cond, idx int, names map[string]string, values map[string]types.AttributeValue) (string, error) {
	switch c.kind {
	case condAbsent:
		ph := fmt.Sprintf("#c%d", idx)
		names[ph] = c.field
		return fmt.Sprintf("attribute_not_exists(%s)", ph), nil
	case condPresent:
		ph := fmt.Sprintf("#c%d", idx)
		names[ph] = c.field
		return fmt.Sprintf("attribute_exists(%s)", ph), nil
	case condLess:
		ph := fmt.Sprintf("#c%d", idx)
		vph := fmt.Sprintf(":c%d", idx)
		names[ph] = c.field
		values[vph] = &types.AttributeValueMemberN{Value: strconv.FormatInt(c.bound, 10)}
		return fmt.Sprintf("%s < %s", ph, vph), nil
	case condAny:
		var parts []string
		for j, inner := range c.any {
			if inner.kind == condAny {
				return "", errors.New("counter: nested AnyOf is not supported")
			}
			part, err := dynamoCond(inner, idx*10+j+1, names, values)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		return "(" + strings.Join(parts, " OR ") + ")", nil
	}
	return "", fmt.Errorf("counter: unknown condition kind %d", c.kind)
}

// decodeDynamoItem flattens an item to a Row. N and S map to their string
// forms; BOOL maps to "true"/"false".
func decodeDynamoItem(key string, item map[string]types.AttributeValue) Row {
	row := Row{Key: key, Attrs: make(map[string]string, len(item))}
	for f, av := range item {
		if f == dynamoPK {
			continue
		}
		switch v := av.(type) {
		case *types.AttributeValueMemberS:
			row.Attrs[f] = v.Value
		case *types.AttributeValueMemberN:
			row.Attrs[f] = v.Value
		case *types.AttributeValueMemberBOOL:
			row.Attrs[f] = strconv.FormatBool(v.Value)
		}
	}
	return row
}
