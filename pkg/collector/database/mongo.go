// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package database

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoProber struct {
	uri    string
	client *mongo.Client
}

func newMongoProber(uri string) *mongoProber {
	return &mongoProber{uri: uri}
}

func (p *mongoProber) connect(ctx context.Context) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(p.uri))
	if err != nil {
		return err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx) //nolint:errcheck
		return err
	}
	p.client = client
	return nil
}

// mongoServerStatus is the slice of serverStatus the collector reads.
type mongoServerStatus struct {
	Connections struct {
		Current   float64 `bson:"current"`
		Available float64 `bson:"available"`
	} `bson:"connections"`
	Opcounters struct {
		Insert float64 `bson:"insert"`
		Query  float64 `bson:"query"`
		Update float64 `bson:"update"`
		Delete float64 `bson:"delete"`
	} `bson:"opcounters"`
	Mem struct {
		Resident float64 `bson:"resident"`
	} `bson:"mem"`
}

func (p *mongoProber) probe(ctx context.Context) (map[string]float64, error) {
	var status mongoServerStatus
	res := p.client.Database("admin").RunCommand(ctx, bson.D{{Key: "serverStatus", Value: 1}})
	if err := res.Decode(&status); err != nil {
		return nil, err
	}
	return map[string]float64{
		"db.connections_current":   status.Connections.Current,
		"db.connections_available": status.Connections.Available,
		"db.ops_total": status.Opcounters.Insert + status.Opcounters.Query +
			status.Opcounters.Update + status.Opcounters.Delete,
		"db.mem_resident_mb": status.Mem.Resident,
	}, nil
}

func (p *mongoProber) close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Disconnect(context.Background())
}
