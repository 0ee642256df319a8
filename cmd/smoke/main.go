// Smoke drives a running stack end to end: it uploads two check-unit
// manifests to the object store, registers a two-criterion challenge, links
// a tenant account, runs a synchronous assessment, and prints the scored
// result.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/opsgym/assessd/internal/domain"
	"github.com/opsgym/assessd/internal/loader"
)

func main() {
	api := flag.String("api", "http://localhost:8000", "assessment api base url")
	bucket := flag.String("bucket", os.Getenv("OBJECT_STORE_BUCKET"), "check-unit bucket")
	participant := flag.String("participant", "smoke-participant", "participant id")
	account := flag.String("account", "000000000000", "tenant account id")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s3c := mustS3(ctx)

	versioningUnit := mustJSON(map[string]any{
		"unit": "bucket-versioning", "version": 1, "kind": "inline",
		"entry":        "s3_bucket_versioning",
		"capabilities": []string{"cloud_inspect"},
		"params":       map[string]any{"bucket": "smoke-target-bucket"},
	})
	healthUnit := mustJSON(map[string]any{
		"unit": "endpoint-health", "version": 1, "kind": "inline",
		"entry":        "http_health",
		"capabilities": []string{"http_probe"},
		"params":       map[string]any{"url": "http://localhost:8000/healthz"},
	})

	put(ctx, s3c, *bucket, "units/bucket-versioning.json", versioningUnit)
	put(ctx, s3c, *bucket, "units/endpoint-health.json", healthUnit)

	challengeID := fmt.Sprintf("smoke-%d", time.Now().Unix())
	def := domain.ChallengeDefinition{
		ID:           challengeID,
		PassingScore: 80,
		Criteria: []domain.Criterion{
			{
				ID: "versioning", Name: "Bucket versioning enabled", Points: 10,
				CheckUnitRef: "units/bucket-versioning.json", CheckUnitHash: loader.Hash(versioningUnit),
				SuggestionText: "Enable versioning on the target bucket.",
			},
			{
				ID: "health", Name: "Endpoint responds healthy", Points: 20,
				CheckUnitRef: "units/endpoint-health.json", CheckUnitHash: loader.Hash(healthUnit),
				SuggestionText: "Expose a healthy HTTP endpoint.",
			},
		},
		CheckUnitsLocation: "store://" + *bucket,
	}

	post(*api, "/challenges", def)
	putHTTP(*api, "/participants/"+*participant+"/account", map[string]string{"account_id": *account})

	log.Println("running assessment", challengeID)
	body := post(*api, "/assessments", map[string]string{
		"participant_id": *participant, "challenge_id": challengeID,
	})

	var res domain.AssessmentResult
	if err := json.Unmarshal(body, &res); err != nil {
		log.Fatalf("decode result: %v\n%s", err, body)
	}
	fmt.Printf("attempt %s: score=%d passed=%v implemented=%d suggestions=%d\n",
		res.AttemptID, res.Score, res.Passed, len(res.Implemented), len(res.Suggestions))
	for _, s := range res.Suggestions {
		fmt.Printf("  suggestion: %s (%d pts): %s\n", s.Name, s.Points, s.Suggestion)
	}
}

func mustS3(ctx context.Context) *s3.Client {
	endpoint := os.Getenv("OBJECT_STORE_ENDPOINT")
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			os.Getenv("OBJECT_STORE_ACCESS_KEY"), os.Getenv("OBJECT_STORE_SECRET_KEY"), "")),
	)
	if err != nil {
		log.Fatal(err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String("http://" + endpoint)
			o.UsePathStyle = true
		}
	})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.Fatal(err)
	}
	return b
}

func put(ctx context.Context, c *s3.Client, bucket, key string, body []byte) {
	_, err := c.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		log.Fatalf("put %s/%s: %v", bucket, key, err)
	}
	log.Printf("uploaded store://%s/%s", bucket, key)
}

func post(api, path string, v any) []byte {
	return do(http.MethodPost, api+path, v)
}

func putHTTP(api, path string, v any) []byte {
	return do(http.MethodPut, api+path, v)
}

func do(method, url string, v any) []byte {
	req, err := http.NewRequest(method, url, bytes.NewReader(mustJSON(v)))
	if err != nil {
		log.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+os.Getenv("API_TOKEN"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode >= 300 {
		log.Fatalf("%s %s: %d: %s", method, url, resp.StatusCode, buf.String())
	}
	log.Printf("%s %s: %d", method, url, resp.StatusCode)
	return buf.Bytes()
}
