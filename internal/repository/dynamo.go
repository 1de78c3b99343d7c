package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"apiforge/internal/automation"
)

func dynamoClientKey(cfg *automation.DatabaseConfig) string {
	return "dynamodb:" + cfg.String("region", "us-east-1") + ":" + cfg.String("endpoint", "")
}

func newDynamoClient(ctx context.Context, cfg *automation.DatabaseConfig) (*client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.String("region", "us-east-1")))
	if err != nil {
		return nil, fmt.Errorf("%w: dynamodb: %v", ErrConfiguration, err)
	}
	endpoint := cfg.String("endpoint", "")
	db := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &client{value: db}, nil
}

// dynamoRepository stores entities in a table whose partition key is the
// string attribute "id". DynamoDB has no offset pagination, so Find scans
// and discards up to the offset watermark; a documented inefficiency, not a
// correctness issue.
type dynamoRepository struct {
	db    *dynamodb.Client
	table string
}

func newDynamoRepository(c *client, table string) Repository {
	return &dynamoRepository{db: c.value.(*dynamodb.Client), table: table}
}

func (r *dynamoRepository) keyOf(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func (r *dynamoRepository) Create(ctx context.Context, entity Entity) (Entity, error) {
	ensureID(entity)
	item, err := attributevalue.MarshalMap(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	_, err = r.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &r.table,
		Item:      item,
	})
	if err != nil {
		return nil, fmt.Errorf("put item in %s: %w", r.table, err)
	}
	return entity, nil
}

func (r *dynamoRepository) GetByID(ctx context.Context, id string) (Entity, error) {
	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &r.table,
		Key:       r.keyOf(id),
	})
	if err != nil {
		return nil, fmt.Errorf("get item from %s: %w", r.table, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var entity Entity
	if err := attributevalue.UnmarshalMap(out.Item, &entity); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return entity, nil
}

func (r *dynamoRepository) GetAll(ctx context.Context, limit, offset int) ([]Entity, error) {
	return r.Find(ctx, nil, limit, offset)
}

func (r *dynamoRepository) Update(ctx context.Context, entity Entity) (Entity, error) {
	id := entityID(entity)
	if id == "" {
		return nil, nil
	}
	item, err := attributevalue.MarshalMap(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	_, err = r.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &r.table,
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return nil, nil
		}
		return nil, fmt.Errorf("put item in %s: %w", r.table, err)
	}
	return entity, nil
}

func (r *dynamoRepository) Delete(ctx context.Context, id string) (bool, error) {
	out, err := r.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    &r.table,
		Key:          r.keyOf(id),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("delete item from %s: %w", r.table, err)
	}
	return len(out.Attributes) > 0, nil
}

func (r *dynamoRepository) Exists(ctx context.Context, id string) (bool, error) {
	out, err := r.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            &r.table,
		Key:                  r.keyOf(id),
		ProjectionExpression: aws.String("id"),
	})
	if err != nil {
		return false, fmt.Errorf("get item from %s: %w", r.table, err)
	}
	return out.Item != nil, nil
}

func (r *dynamoRepository) Count(ctx context.Context, filters map[string]any) (int64, error) {
	input := &dynamodb.ScanInput{
		TableName: &r.table,
		Select:    types.SelectCount,
	}
	if err := applyFilterExpression(input, filters); err != nil {
		return 0, err
	}

	var total int64
	paginator := dynamodb.NewScanPaginator(r.db, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("scan %s: %w", r.table, err)
		}
		total += int64(page.Count)
	}
	return total, nil
}

func (r *dynamoRepository) Find(ctx context.Context, filters map[string]any, limit, offset int) ([]Entity, error) {
	input := &dynamodb.ScanInput{TableName: &r.table}
	if err := applyFilterExpression(input, filters); err != nil {
		return nil, err
	}

	entities := []Entity{}
	want := offset + limit
	paginator := dynamodb.NewScanPaginator(r.db, input)
	for paginator.HasMorePages() && len(entities) < want {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", r.table, err)
		}
		for _, item := range page.Items {
			var entity Entity
			if err := attributevalue.UnmarshalMap(item, &entity); err != nil {
				return nil, fmt.Errorf("unmarshal item: %w", err)
			}
			entities = append(entities, entity)
			if len(entities) >= want {
				break
			}
		}
	}
	return paginate(entities, limit, offset), nil
}

// applyFilterExpression renders equality filters through the expression
// builder onto a scan input.
func applyFilterExpression(input *dynamodb.ScanInput, filters map[string]any) error {
	if len(filters) == 0 {
		return nil
	}
	var cond expression.ConditionBuilder
	first := true
	for field, value := range filters {
		clause := expression.Name(field).Equal(expression.Value(value))
		if first {
			cond = clause
			first = false
		} else {
			cond = cond.And(clause)
		}
	}
	expr, err := expression.NewBuilder().WithFilter(cond).Build()
	if err != nil {
		return fmt.Errorf("build filter expression: %w", err)
	}
	input.FilterExpression = expr.Filter()
	input.ExpressionAttributeNames = expr.Names()
	input.ExpressionAttributeValues = expr.Values()
	return nil
}
