package area_test

import (
	"go.mongodb.org/mongo-driver/bson"

	"compatos/area"
)

func bsonDesc(ad *area.AreaDesc) ([]byte, error) {
	return bson.Marshal(ad)
}
