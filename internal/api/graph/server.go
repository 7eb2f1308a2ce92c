// Package graph 提供统计查询的 GraphQL 接口
package graph

import (
	"context"
	"fmt"
	"net/http"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"

	"github.com/lvdashuaibi/littlegate/internal/model"
	"github.com/lvdashuaibi/littlegate/internal/stats"
)

// GraphQLServer GraphQL服务器
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
}

// Schema定义，时间统一使用RFC3339字符串
const schemaString = `
type StatusCount {
  status: String!
  count: Int!
}

type HourBucket {
  hour: String!
  count: Int!
}

type Query {
  # 按状态统计活动票据
  ticketCounts(eventId: String!): [StatusCount!]!

  # 每小时扫码次数，since 为空时取最近31天
  scansPerHour(eventId: String!, since: String): [HourBucket!]!

  # 按准入结果统计支付回调
  callbackCounts(since: String): [StatusCount!]!
}

schema {
  query: Query
}
`

// NewGraphQLServer 创建新的GraphQL服务器
func NewGraphQLServer(reporter *stats.Reporter) *GraphQLServer {
	resolver := NewResolver(reporter)

	schema := graphql.MustParseSchema(schemaString, resolver,
		graphql.UseFieldResolvers(),
	)

	return &GraphQLServer{
		schema:   schema,
		handler:  &relay.Handler{Schema: schema},
		resolver: resolver,
	}
}

// Handler GraphQL API端点
func (s *GraphQLServer) Handler() http.Handler {
	return s.handler
}

// PlaygroundHandler 调试页面，endpoint 为 API 路径
func PlaygroundHandler(endpoint string) http.Handler {
	page := fmt.Sprintf(playgroundHTML, endpoint)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(page))
	})
}

// Resolver GraphQL解析器
type Resolver struct {
	reporter *stats.Reporter
}

func NewResolver(reporter *stats.Reporter) *Resolver {
	return &Resolver{reporter: reporter}
}

// TicketCounts 票据状态统计
func (r *Resolver) TicketCounts(ctx context.Context, args struct{ EventID string }) ([]*StatusCountResolver, error) {
	counts, err := r.reporter.TicketCounts(ctx, args.EventID)
	if err != nil {
		return nil, err
	}
	return statusCounts(counts), nil
}

// ScansPerHour 扫码统计
func (r *Resolver) ScansPerHour(ctx context.Context, args struct {
	EventID string
	Since   *string
}) ([]*HourBucketResolver, error) {
	since, err := parseSince(args.Since)
	if err != nil {
		return nil, err
	}

	buckets, err := r.reporter.ScansPerHour(ctx, args.EventID, since)
	if err != nil {
		return nil, err
	}

	resolvers := make([]*HourBucketResolver, len(buckets))
	for i := range buckets {
		resolvers[i] = &HourBucketResolver{bucket: buckets[i]}
	}
	return resolvers, nil
}

// CallbackCounts 回调统计
func (r *Resolver) CallbackCounts(ctx context.Context, args struct{ Since *string }) ([]*StatusCountResolver, error) {
	since, err := parseSince(args.Since)
	if err != nil {
		return nil, err
	}

	counts, err := r.reporter.CallbackCounts(ctx, since)
	if err != nil {
		return nil, err
	}
	return statusCounts(counts), nil
}

func parseSince(s *string) (time.Time, error) {
	if s == nil || *s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return time.Time{}, fmt.Errorf("解析since失败: %w", err)
	}
	return t, nil
}

func statusCounts(counts []model.StatusCount) []*StatusCountResolver {
	resolvers := make([]*StatusCountResolver, len(counts))
	for i := range counts {
		resolvers[i] = &StatusCountResolver{count: counts[i]}
	}
	return resolvers
}

// StatusCountResolver 状态计数解析器
type StatusCountResolver struct {
	count model.StatusCount
}

func (r *StatusCountResolver) Status() string {
	return r.count.Status
}

func (r *StatusCountResolver) Count() int32 {
	return int32(r.count.Count)
}

// HourBucketResolver 小时桶解析器
type HourBucketResolver struct {
	bucket model.HourBucket
}

func (r *HourBucketResolver) Hour() string {
	return r.bucket.Hour.UTC().Format(time.RFC3339)
}

func (r *HourBucketResolver) Count() int32 {
	return int32(r.bucket.Count)
}

// playgroundHTML GraphQL Playground HTML
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <title>Little Gate GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '%s'
      })
    })</script>
</body>
</html>
`
