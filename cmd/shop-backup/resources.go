package main

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/Sternrassler/shop-backup/pkg/reconstruct"
)

// resource is one backup target: either a bulk query or a REST listing.
type resource struct {
	Name string

	// Bulk export
	Query    string
	RootType string
	Schema   reconstruct.Schema

	// REST listing
	Path    string
	Key     string
	Filters url.Values
}

func (r resource) isBulk() bool {
	return r.Query != ""
}

var metafieldsSlot = map[string]string{"Metafield": "metafields"}

var resources = map[string]resource{
	"orders": {
		Name:     "orders",
		RootType: "Order",
		Query: `{
  orders {
    edges {
      node {
        id
        name
        email
        createdAt
        updatedAt
        displayFinancialStatus
        displayFulfillmentStatus
        currencyCode
        totalPriceSet { shopMoney { amount currencyCode } }
        customer { id }
        shippingAddress { address1 address2 city province country zip }
        lineItems {
          edges { node { id title quantity sku variant { id } originalUnitPriceSet { shopMoney { amount currencyCode } } } }
        }
        transactions { id kind status gateway amountSet { shopMoney { amount currencyCode } } }
        fulfillments { id status createdAt trackingInfo { company number url } }
        metafields {
          edges { node { id namespace key type value } }
        }
      }
    }
  }
}`,
		Schema: reconstruct.Schema{
			Slots: map[string]string{
				"LineItem":  "lineItems",
				"Metafield": "metafields",
			},
		},
	},
	"products": {
		Name:     "products",
		RootType: "Product",
		Query: `{
  products {
    edges {
      node {
        id
        handle
        title
        status
        vendor
        productType
        tags
        descriptionHtml
        createdAt
        updatedAt
        variants {
          edges {
            node {
              id
              title
              sku
              price
              barcode
              inventoryQuantity
              selectedOptions { name value }
              metafields {
                edges { node { id namespace key type value } }
              }
            }
          }
        }
        images {
          edges { node { id url altText } }
        }
        metafields {
          edges { node { id namespace key type value } }
        }
      }
    }
  }
}`,
		Schema: reconstruct.Schema{
			Slots: map[string]string{
				"ProductVariant": "variants",
				"ProductImage":   "images",
				"Image":          "images",
				"Metafield":      "metafields",
			},
			Nested: map[string]reconstruct.Schema{
				"ProductVariant": {Slots: metafieldsSlot},
			},
		},
	},
	"customers": {
		Name:     "customers",
		RootType: "Customer",
		Query: `{
  customers {
    edges {
      node {
        id
        email
        firstName
        lastName
        phone
        state
        tags
        createdAt
        updatedAt
        addresses { address1 address2 city province country zip }
        metafields {
          edges { node { id namespace key type value } }
        }
      }
    }
  }
}`,
		Schema: reconstruct.Schema{Slots: metafieldsSlot},
	},
	"collections": {
		Name:     "collections",
		RootType: "Collection",
		Query: `{
  collections {
    edges {
      node {
        id
        handle
        title
        descriptionHtml
        sortOrder
        updatedAt
        ruleSet { appliedDisjunctively rules { column relation condition } }
        products {
          edges { node { id } }
        }
        metafields {
          edges { node { id namespace key type value } }
        }
      }
    }
  }
}`,
		Schema: reconstruct.Schema{
			Slots: map[string]string{
				"Product":   "products",
				"Metafield": "metafields",
			},
		},
	},
	"pages": {
		Name:    "pages",
		Path:    "pages.json",
		Key:     "pages",
		Filters: url.Values{"published_status": {"any"}},
	},
}

// lookupResources resolves names, rejecting unknown ones.
func lookupResources(names []string) ([]resource, error) {
	out := make([]resource, 0, len(names))
	for _, name := range names {
		r, ok := resources[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown resource %q (known: %v)", name, knownResources())
		}
		out = append(out, r)
	}
	return out, nil
}

func knownResources() []string {
	names := make([]string, 0, len(resources))
	for name := range resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
