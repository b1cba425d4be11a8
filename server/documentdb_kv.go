package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DocumentDBKV implements KVStore on a DocumentDB (MongoDB compatible) collection.
// One document per key; "v" is bumped on every write and guards CompareAndSwap.
type DocumentDBKV struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// DocumentDBKVItem represents a key/value document in DocumentDB
type DocumentDBKVItem struct {
	Key     string `bson:"_id"`
	Version int64  `bson:"v"`
	Data    []byte `bson:"d"`
}

var _ KVStore = (*DocumentDBKV)(nil)

// DocumentDBOptions configures NewDocumentDBKV
type DocumentDBOptions struct {
	ConnectionString  string
	Username          string
	PasswordSecretArn string
	CAFile            string
	Region            string
	Database          string
	Collection        string
}

// getPasswordFromSecretsManager retrieves the password from AWS Secrets Manager
func getPasswordFromSecretsManager(region, secretArn string) (string, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create AWS session: %w", err)
	}

	result, err := secretsmanager.New(sess).GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretArn),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret value: %w", err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret value is nil")
	}
	return *result.SecretString, nil
}

// createTLSConfig trusts the CA bundle at caFile, as DocumentDB clusters require.
func createTLSConfig(caFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate from %s: %w", caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", caFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// NewDocumentDBKV connects to the cluster described by opts
func NewDocumentDBKV(ctx context.Context, opts DocumentDBOptions) (*DocumentDBKV, error) {
	clientOptions := options.Client().ApplyURI(opts.ConnectionString)

	if opts.PasswordSecretArn != "" {
		password, err := getPasswordFromSecretsManager(opts.Region, opts.PasswordSecretArn)
		if err != nil {
			return nil, err
		}
		clientOptions.SetAuth(options.Credential{
			AuthMechanism: "SCRAM-SHA-1",
			AuthSource:    "admin",
			Username:      opts.Username,
			Password:      password,
		})
	}

	if opts.CAFile != "" {
		tlsConfig, err := createTLSConfig(opts.CAFile)
		if err != nil {
			return nil, err
		}
		clientOptions.SetTLSConfig(tlsConfig)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DocumentDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping DocumentDB: %w", err)
	}
	log.WithField("database", opts.Database).Info("connected to DocumentDB")

	return &DocumentDBKV{
		client: client,
		coll:   client.Database(opts.Database).Collection(opts.Collection),
	}, nil
}

func (s *DocumentDBKV) Get(ctx context.Context, key string) ([]byte, int64, error) {
	var item DocumentDBKVItem
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&item)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to find document: %w", err)
	}
	return item.Data, item.Version, nil
}

func (s *DocumentDBKV) Put(ctx context.Context, key string, value []byte) (int64, error) {
	var item DocumentDBKVItem
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"d": nonNil(value)}, "$inc": bson.M{"v": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&item)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert document: %w", err)
	}
	return item.Version, nil
}

func (s *DocumentDBKV) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	if expected == 0 {
		_, err := s.coll.InsertOne(ctx, DocumentDBKVItem{Key: key, Version: 1, Data: nonNil(value)})
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return 0, ErrVersionMismatch
			}
			return 0, fmt.Errorf("failed to insert document: %w", err)
		}
		return 1, nil
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": key, "v": expected},
		bson.M{"$set": bson.M{"d": nonNil(value), "v": expected + 1}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update document: %w", err)
	}
	if res.MatchedCount == 0 {
		return 0, ErrVersionMismatch
	}
	return expected + 1, nil
}

func (s *DocumentDBKV) Scan(ctx context.Context, prefix string) ([]KVEntry, error) {
	filter := bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}}
	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to find documents: %w", err)
	}
	defer cursor.Close(ctx)

	var out []KVEntry
	for cursor.Next(ctx) {
		var item DocumentDBKVItem
		if err := cursor.Decode(&item); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		out = append(out, KVEntry{Key: item.Key, Value: item.Data, Version: item.Version})
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return out, nil
}

// Close disconnects the client
func (s *DocumentDBKV) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
