package main

import (
	"context"

	"github.com/orchard/lifemap/internal/persistence"
)

// starterArea is one node of the default life-area tree.
type starterArea struct {
	title    string
	children []starterArea
}

// starterAreas is the tree seeded on first run. Leaves are the interview
// topics; branch nodes only group them.
var starterAreas = []starterArea{
	{title: "Health", children: []starterArea{
		{title: "Sleep"},
		{title: "Nutrition"},
		{title: "Fitness", children: []starterArea{
			{title: "Cardio"},
			{title: "Strength"},
		}},
	}},
	{title: "Career", children: []starterArea{
		{title: "Current Role"},
		{title: "Growth"},
	}},
	{title: "Relationships", children: []starterArea{
		{title: "Family"},
		{title: "Friends"},
	}},
	{title: "Finances"},
}

// seedStarterAreas creates the starter tree for the user unless they
// already have root areas. Returns the number of areas created.
func seedStarterAreas(ctx context.Context, store *persistence.Store, userID string) (int, error) {
	roots, err := store.ListRoots(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(roots) > 0 {
		return 0, nil
	}

	created := 0
	var create func(parentID string, areas []starterArea) error
	create = func(parentID string, areas []starterArea) error {
		for pos, a := range areas {
			id, err := store.CreateArea(ctx, userID, parentID, a.title, pos)
			if err != nil {
				return err
			}
			created++
			if len(a.children) > 0 {
				if err := create(id, a.children); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := create("", starterAreas); err != nil {
		return created, err
	}
	return created, nil
}
