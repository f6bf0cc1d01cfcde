package utils

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/consignment_backend/config"
)

// GetCacheLifespan reads PRODUCT_CACHE_HOURS, defaulting to one hour.
func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("PRODUCT_CACHE_HOURS"))
	if err != nil || lifespan <= 0 {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

func GetTypeName[T any]() string {
	var v T
	return reflect.TypeOf(v).Name()
}

// RedisKey builds Type:businessId:key, e.g. ProductCode:b1:SKU-9.
func RedisKey[T any](businessId string, key any) string {
	return fmt.Sprintf("%s:%s:%v", GetTypeName[T](), businessId, key)
}

func StoreRedis[T any](ctx context.Context, businessId string, key any, obj *T) error {
	return config.SetRedisObject(ctx, RedisKey[T](businessId, key), obj, GetCacheLifespan())
}

// RetrieveRedis returns nil without error on a cache miss.
func RetrieveRedis[T any](ctx context.Context, businessId string, key any) (*T, error) {
	var obj T
	found, err := config.GetRedisObject(ctx, RedisKey[T](businessId, key), &obj)
	if err != nil || !found {
		return nil, err
	}
	return &obj, nil
}

