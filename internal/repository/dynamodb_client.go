package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"softterminal/internal/domain"
)

const (
	skAnswer       = "ANSWER#"
	skPrefixLog    = "LOG#"
	answerTTL      = 24 * time.Hour      // continuations are short-lived
	exchangeLogTTL = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client wraps a single DynamoDB table holding answer contexts and the
// per-session exchange log.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func contextPK(contextID string) string {
	return "CTX#" + contextID
}

func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

func logSK(ts time.Time) string {
	return skPrefixLog + ts.UTC().Format(time.RFC3339Nano)
}

func (c *Client) ttlAfter(d time.Duration) int64 {
	return c.now().Add(d).Unix()
}

// PutAnswer stores a generated answer and its delivery cursor.
func (c *Client) PutAnswer(ctx context.Context, rec domain.AnswerRecord) error {
	if rec.ContextID == "" {
		return errors.New("repository: PutAnswer: context id is required")
	}
	if rec.TTL == 0 {
		rec.TTL = c.ttlAfter(answerTTL)
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      answerItem(rec),
	})
	if err != nil {
		return fmt.Errorf("repository: PutAnswer: %w", err)
	}
	return nil
}

// GetAnswer loads an answer context. Expired items that the TTL sweeper has
// not removed yet are reported as missing.
func (c *Client) GetAnswer(ctx context.Context, contextID string) (domain.AnswerRecord, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: contextPK(contextID)},
			"SK": &types.AttributeValueMemberS{Value: skAnswer},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.AnswerRecord{}, false, fmt.Errorf("repository: GetAnswer get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.AnswerRecord{}, false, nil
	}

	rec, err := itemToAnswer(out.Item)
	if err != nil {
		return domain.AnswerRecord{}, false, fmt.Errorf("repository: GetAnswer unmarshal: %w", err)
	}
	if rec.TTL > 0 && rec.TTL < c.now().Unix() {
		return domain.AnswerRecord{}, false, nil
	}
	return rec, true, nil
}

// AdvanceCursor moves the delivery cursor from one position to another. It
// reports false without error when the stored cursor is no longer at from.
func (c *Client) AdvanceCursor(ctx context.Context, contextID string, from, to int) (bool, error) {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: contextPK(contextID)},
			"SK": &types.AttributeValueMemberS{Value: skAnswer},
		},
		UpdateExpression:    aws.String("SET #cursor = :to"),
		ConditionExpression: aws.String("#cursor = :from"),
		ExpressionAttributeNames: map[string]string{
			"#cursor": "cursor",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":from": &types.AttributeValueMemberN{Value: strconv.Itoa(from)},
			":to":   &types.AttributeValueMemberN{Value: strconv.Itoa(to)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return false, nil
		}
		return false, fmt.Errorf("repository: AdvanceCursor: %w", err)
	}
	return true, nil
}

// SaveExchange appends a completed question/answer pair to the session log.
func (c *Client) SaveExchange(ctx context.Context, sessionID, question, response, language string) error {
	ex := c.NewExchange(sessionID, question, response, language)
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                exchangeItem(ex),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveExchange: %w", err)
	}
	return nil
}

// ListExchanges returns up to limit of the most recent exchanges of a
// session in chronological order.
func (c *Client) ListExchanges(ctx context.Context, sessionID string, limit int) ([]domain.Exchange, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixLog},
		},
		// Read newest first so LIMIT keeps the most recent exchanges.
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: ListExchanges query: %w", err)
	}

	logs := make([]domain.Exchange, 0, len(out.Items))
	for _, item := range out.Items {
		ex, err := itemToExchange(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListExchanges unmarshal: %w", err)
		}
		logs = append(logs, ex)
	}
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

// NewExchange constructs an Exchange with PK/SK/TTL set from sessionID and
// the current time.
func (c *Client) NewExchange(sessionID, question, response, language string) domain.Exchange {
	now := c.now().UTC()
	return domain.Exchange{
		PK:        sessionPK(sessionID),
		SK:        logSK(now),
		SessionID: sessionID,
		Question:  question,
		Response:  response,
		Language:  language,
		DayOfWeek: now.Weekday().String(),
		Timestamp: now,
		TTL:       c.ttlAfter(exchangeLogTTL),
	}
}

func answerItem(rec domain.AnswerRecord) map[string]types.AttributeValue {
	chunks := make([]types.AttributeValue, 0, len(rec.Chunks))
	for _, ch := range rec.Chunks {
		chunks = append(chunks, &types.AttributeValueMemberS{Value: ch})
	}
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: contextPK(rec.ContextID)},
		"SK":        &types.AttributeValueMemberS{Value: skAnswer},
		"contextId": &types.AttributeValueMemberS{Value: rec.ContextID},
		"sessionId": &types.AttributeValueMemberS{Value: rec.SessionID},
		"chunks":    &types.AttributeValueMemberL{Value: chunks},
		"cursor":    &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Cursor)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.TTL, 10)},
	}
}

func itemToAnswer(item map[string]types.AttributeValue) (domain.AnswerRecord, error) {
	contextID, err := strAttr(item, "contextId")
	if err != nil {
		return domain.AnswerRecord{}, err
	}
	sessionID, _ := strAttr(item, "sessionId") // allow empty
	cursor, err := intAttr(item, "cursor")
	if err != nil {
		return domain.AnswerRecord{}, err
	}
	chunks, err := strListAttr(item, "chunks")
	if err != nil {
		return domain.AnswerRecord{}, err
	}
	ttl, _ := intAttr(item, "ttl") // allow missing

	return domain.AnswerRecord{
		ContextID: contextID,
		SessionID: sessionID,
		Chunks:    chunks,
		Cursor:    cursor,
		TTL:       int64(ttl),
	}, nil
}

func exchangeItem(ex domain.Exchange) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: ex.PK},
		"SK":             &types.AttributeValueMemberS{Value: ex.SK},
		"sessionId":      &types.AttributeValueMemberS{Value: ex.SessionID},
		"question":       &types.AttributeValueMemberS{Value: ex.Question},
		"response":       &types.AttributeValueMemberS{Value: ex.Response},
		"language":       &types.AttributeValueMemberS{Value: ex.Language},
		"dayOfWeek":      &types.AttributeValueMemberS{Value: ex.DayOfWeek},
		"timestamp":      &types.AttributeValueMemberS{Value: ex.Timestamp.Format(time.RFC3339Nano)},
		"questionLength": &types.AttributeValueMemberN{Value: strconv.Itoa(utf8.RuneCountInString(ex.Question))},
		"responseLength": &types.AttributeValueMemberN{Value: strconv.Itoa(utf8.RuneCountInString(ex.Response))},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(ex.TTL, 10)},
	}
}

func itemToExchange(item map[string]types.AttributeValue) (domain.Exchange, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Exchange{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Exchange{}, err
	}
	question, err := strAttr(item, "question")
	if err != nil {
		return domain.Exchange{}, err
	}
	response, _ := strAttr(item, "response") // allow empty
	sessionID, _ := strAttr(item, "sessionId")
	language, _ := strAttr(item, "language")
	dayOfWeek, _ := strAttr(item, "dayOfWeek")

	var ts time.Time
	if raw, err := strAttr(item, "timestamp"); err == nil {
		ts, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return domain.Exchange{}, fmt.Errorf("repository: parse attribute %q: %w", "timestamp", err)
		}
	}

	return domain.Exchange{
		PK:        pk,
		SK:        sk,
		SessionID: sessionID,
		Question:  question,
		Response:  response,
		Language:  language,
		DayOfWeek: dayOfWeek,
		Timestamp: ts,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func strListAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	v, ok := item[key]
	if !ok {
		return nil, fmt.Errorf("repository: missing attribute %q", key)
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
	out := make([]string, 0, len(l.Value))
	for i, el := range l.Value {
		s, ok := el.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: attribute %q[%d] is not a string", key, i)
		}
		out = append(out, s.Value)
	}
	return out, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
