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
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/benbjohnson/clock"
)

// fakeDynamo scripts UpdateItem outcomes and records inputs; reads serve
// canned items. Enough to pin down the expressions the store generates
// without an emulator.
type fakeDynamo struct {
	updates    []*dynamodb.UpdateItemInput
	updateErrs []error // popped per call; nil entry = success
	item       map[string]types.AttributeValue
	pages      []*dynamodb.ScanOutput
	scanCalls  int
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.item}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	var err error
	if len(f.updateErrs) > 0 {
		err = f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
	}
	if err != nil {
		return nil, err
	}
	return &dynamodb.UpdateItemOutput{Attributes: f.item}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	out := f.pages[f.scanCalls]
	f.scanCalls++
	return out, nil
}

func condFailed() error {
	return &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
}

func strPtr(s string) *string { return &s }

func TestDynamoAdmissionExpression(t *testing.T) {
	fake := &fakeDynamo{item: map[string]types.AttributeValue{
		dynamoPK:      &types.AttributeValueMemberS{Value: InFlightKey},
		FieldInFlight: &types.AttributeValueMemberN{Value: "1"},
	}}
	s := NewDynamoStore(fake, "remgate-counters")

	_, err := s.Update(context.Background(), InFlightKey,
		[]Op{Add(FieldInFlight, 1), Set(FieldLastUpdated, time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))},
		[]Cond{AnyOf(Absent(FieldInFlight), LessThan(FieldInFlight, 150))})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(fake.updates) != 1 {
		t.Fatalf("UpdateItem calls = %d, want 1", len(fake.updates))
	}
	in := fake.updates[0]

	upd := *in.UpdateExpression
	if !strings.Contains(upd, "if_not_exists(#f0, :zero) + :v0") {
		t.Errorf("update expression missing if_not_exists add: %q", upd)
	}
	if !strings.Contains(upd, "#f1 = :v1") {
		t.Errorf("update expression missing set: %q", upd)
	}

	cond := *in.ConditionExpression
	if !strings.Contains(cond, "attribute_not_exists(") || !strings.Contains(cond, " OR ") || !strings.Contains(cond, " < ") {
		t.Errorf("condition expression not the absent-or-below-cap shape: %q", cond)
	}
	if in.ExpressionAttributeNames["#f0"] != FieldInFlight {
		t.Errorf("#f0 = %q, want %q", in.ExpressionAttributeNames["#f0"], FieldInFlight)
	}
	if got := in.Key[dynamoPK].(*types.AttributeValueMemberS).Value; got != InFlightKey {
		t.Errorf("partition key = %q, want %q", got, InFlightKey)
	}
	if in.ReturnValues != types.ReturnValueAllNew {
		t.Errorf("ReturnValues = %v, want ALL_NEW", in.ReturnValues)
	}
}

func TestDynamoConditionFailedMapsToSentinel(t *testing.T) {
	fake := &fakeDynamo{updateErrs: []error{condFailed()}}
	s := NewDynamoStore(fake, "remgate-counters")

	_, err := s.Update(context.Background(), InFlightKey,
		[]Op{Add(FieldInFlight, 1)},
		[]Cond{LessThan(FieldInFlight, 150)})
	if !errors.Is(err, ErrConditionFailed) {
		t.Fatalf("got %v, want ErrConditionFailed", err)
	}
}

func TestDynamoAddFloorFallsBackToPin(t *testing.T) {
	// First call (the straight add guarded by current >= 1) fails, second
	// call pins the field to the floor.
	fake := &fakeDynamo{
		updateErrs: []error{condFailed(), nil},
		item: map[string]types.AttributeValue{
			dynamoPK:      &types.AttributeValueMemberS{Value: InFlightKey},
			FieldInFlight: &types.AttributeValueMemberN{Value: "0"},
		},
	}
	s := NewDynamoStore(fake, "remgate-counters")

	row, err := s.Update(context.Background(), InFlightKey,
		[]Op{AddFloor(FieldInFlight, -1, 0), Set(FieldLastUpdated, time.Now())}, nil)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := row.Int64(FieldInFlight); got != 0 {
		t.Fatalf("in_flight = %d, want 0", got)
	}
	if len(fake.updates) != 2 {
		t.Fatalf("UpdateItem calls = %d, want 2 (add then pin)", len(fake.updates))
	}

	add := fake.updates[0]
	if !strings.Contains(*add.ConditionExpression, "#fg >= :fg") {
		t.Errorf("add guard missing: %q", *add.ConditionExpression)
	}
	if got := add.ExpressionAttributeValues[":fg"].(*types.AttributeValueMemberN).Value; got != "1" {
		t.Errorf("add guard bound = %s, want 1", got)
	}

	pin := fake.updates[1]
	if !strings.Contains(*pin.ConditionExpression, "attribute_not_exists(#fg) OR #fg < :fg") {
		t.Errorf("pin guard missing: %q", *pin.ConditionExpression)
	}
	if !strings.Contains(*pin.UpdateExpression, "= :v") {
		t.Errorf("pin should set the floor: %q", *pin.UpdateExpression)
	}
}

func TestDynamoGetFiltersExpired(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	expired := mock.Now().Unix() - 10

	fake := &fakeDynamo{item: map[string]types.AttributeValue{
		dynamoPK:          &types.AttributeValueMemberS{Value: "rpm_window_combined_202606011158"},
		FieldRequestCount: &types.AttributeValueMemberN{Value: "50"},
		FieldTTL:          &types.AttributeValueMemberN{Value: strconv.FormatInt(expired, 10)},
	}}
	s := NewDynamoStore(fake, "remgate-counters", WithDynamoClock(mock))

	_, err := s.Get(context.Background(), "rpm_window_combined_202606011158")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get expired: got %v, want ErrNotFound", err)
	}
}

func TestDynamoScanPaginatesAndDecodes(t *testing.T) {
	k1 := map[string]types.AttributeValue{
		dynamoPK:       &types.AttributeValueMemberS{Value: "file_aa11bb22_one.pdf"},
		FieldFilename:  &types.AttributeValueMemberS{Value: "processing/one.pdf"},
		FieldAPIType:   &types.AttributeValueMemberS{Value: "autotag"},
		FieldStartedAt: &types.AttributeValueMemberS{Value: "2026-06-01T11:00:00Z"},
		FieldReleased:  &types.AttributeValueMemberBOOL{Value: true},
	}
	k2 := map[string]types.AttributeValue{
		dynamoPK:      &types.AttributeValueMemberS{Value: "file_cc33dd44_two.pdf"},
		FieldFilename: &types.AttributeValueMemberS{Value: "processing/two.pdf"},
		FieldAPIType:  &types.AttributeValueMemberS{Value: "autotag"},
	}
	fake := &fakeDynamo{pages: []*dynamodb.ScanOutput{
		{Items: []map[string]types.AttributeValue{k1}, LastEvaluatedKey: map[string]types.AttributeValue{dynamoPK: &types.AttributeValueMemberS{Value: "file_aa11bb22_one.pdf"}}},
		{Items: []map[string]types.AttributeValue{k2}},
	}}
	s := NewDynamoStore(fake, "remgate-counters")

	var rows []Row
	if err := s.Scan(context.Background(), TrackingKeyPrefix, func(r Row) bool {
		rows = append(rows, r)
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if fake.scanCalls != 2 {
		t.Fatalf("scan pages fetched = %d, want 2", fake.scanCalls)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	// BOOL attrs decode to "true"/"false" so DecodeTracking sees them.
	if !DecodeTracking(rows[0]).Released {
		t.Errorf("released BOOL did not survive decoding: %#v", rows[0])
	}
	if DecodeTracking(rows[1]).Released {
		t.Errorf("unreleased row decoded as released")
	}
}
